package lifecycle

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCall(state Status) *CallRequest {
	r := NewCallRequest("call-1", "fan-1", "creator-1", ServiceVideo, 250, testNow)
	r.State = state
	return r
}

func newTestCoHost(state Status) *CoHostRequest {
	r := NewCoHostRequest("req-1", "guest-1", "stream-1", "Guest One", testNow)
	r.State = state
	return r
}

func TestTransition_CallRequest(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		action  Action
		role    Role
		want    Status
		wantErr error
	}{
		{"accept pending", StatusPending, ActionAccept, RoleTarget, StatusAccepted, nil},
		{"decline pending", StatusPending, ActionDecline, RoleTarget, StatusDeclined, nil},
		{"expire pending", StatusPending, ActionExpire, RoleSystem, StatusExpired, nil},
		{"complete accepted", StatusAccepted, ActionComplete, RoleTarget, StatusCompleted, nil},
		{"cancel accepted by requester", StatusAccepted, ActionCancel, RoleRequester, StatusCancelled, nil},
		{"cancel accepted by target", StatusAccepted, ActionCancel, RoleTarget, StatusCancelled, nil},
		{"accept declined", StatusDeclined, ActionAccept, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
		{"accept completed", StatusCompleted, ActionAccept, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
		{"complete pending", StatusPending, ActionComplete, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
		{"requester accepts own request", StatusPending, ActionAccept, RoleRequester, StatusUnknown, apperrors.ErrUnauthorized},
		{"requester declines own request", StatusPending, ActionDecline, RoleRequester, StatusUnknown, apperrors.ErrUnauthorized},
		{"target expires", StatusPending, ActionExpire, RoleTarget, StatusUnknown, apperrors.ErrUnauthorized},
		{"reject is not a call action", StatusPending, ActionReject, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(newTestCall(tc.from), tc.action, tc.role)

			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Transition = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransition_CoHostRequest(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		action  Action
		role    Role
		want    Status
		wantErr error
	}{
		{"accept pending", StatusPending, ActionAccept, RoleTarget, StatusAccepted, nil},
		{"reject pending", StatusPending, ActionReject, RoleTarget, StatusRejected, nil},
		{"expire pending", StatusPending, ActionExpire, RoleSystem, StatusExpired, nil},
		{"accept rejected", StatusRejected, ActionAccept, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
		{"reject accepted", StatusAccepted, ActionReject, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
		{"requester accepts own request", StatusPending, ActionAccept, RoleRequester, StatusUnknown, apperrors.ErrUnauthorized},
		{"decline is not a co-host action", StatusPending, ActionDecline, RoleTarget, StatusUnknown, apperrors.ErrInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(newTestCoHost(tc.from), tc.action, tc.role)

			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Transition = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransition_Membership(t *testing.T) {
	m := NewCoHostMembership("stream-1", "guest-1", "Guest One", testNow)

	got, err := Transition(m, ActionRemove, RoleTarget)
	if err != nil {
		t.Fatalf("host remove failed: %v", err)
	}
	if got != StatusRemoved {
		t.Errorf("Transition = %v, want removed", got)
	}

	got, err = Transition(m, ActionLeave, RoleRequester)
	if err != nil {
		t.Fatalf("self leave failed: %v", err)
	}
	if got != StatusLeft {
		t.Errorf("Transition = %v, want left", got)
	}

	// Only the host removes; only the member leaves.
	if _, err := Transition(m, ActionRemove, RoleRequester); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("member removing themself via remove: expected unauthorized, got %v", err)
	}
	if _, err := Transition(m, ActionLeave, RoleTarget); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("host leaving on behalf of member: expected unauthorized, got %v", err)
	}

	removed := NewCoHostMembership("stream-1", "guest-1", "Guest One", testNow)
	removed.State = StatusRemoved
	if _, err := Transition(removed, ActionRemove, RoleTarget); !errors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("removing a removed membership: expected invalid state, got %v", err)
	}
}

func TestTransition_AuthorizationBeforeState(t *testing.T) {
	// An unauthorized actor on a terminal entity gets unauthorized, not
	// invalid state, so the refusal leaks nothing about current state.
	declined := newTestCall(StatusDeclined)
	_, err := Transition(declined, ActionAccept, RoleRequester)
	if !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestTransition_ErrorDetail(t *testing.T) {
	_, err := Transition(newTestCall(StatusDeclined), ActionAccept, RoleTarget)

	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatal("expected a TransitionError")
	}
	if te.Kind != KindCallRequest {
		t.Errorf("Kind = %s, want call_request", te.Kind)
	}
	if te.From != StatusDeclined {
		t.Errorf("From = %v, want declined", te.From)
	}
	if te.Action != ActionAccept {
		t.Errorf("Action = %v, want accept", te.Action)
	}
	if te.Role != RoleTarget {
		t.Errorf("Role = %v, want target", te.Role)
	}
}

func TestTransition_NeverLeavesGraph(t *testing.T) {
	// Exhaustively drive every (status, action, role) combination for each
	// kind; any accepted transition must land inside the declared graph.
	statuses := []Status{
		StatusUnknown, StatusPending, StatusAccepted, StatusDeclined,
		StatusRejected, StatusExpired, StatusCompleted, StatusCancelled,
		StatusActive, StatusRemoved, StatusLeft,
	}
	actions := []Action{
		ActionAccept, ActionDecline, ActionReject, ActionExpire,
		ActionComplete, ActionCancel, ActionRemove, ActionLeave,
	}
	roles := []Role{RoleRequester, RoleTarget, RoleSystem}

	entities := []Entity{
		newTestCall(StatusUnknown),
		newTestCoHost(StatusUnknown),
		NewCoHostMembership("stream-1", "guest-1", "Guest One", testNow),
	}

	for _, e := range entities {
		for _, from := range statuses {
			for _, action := range actions {
				for _, role := range roles {
					e.SetStatus(from)
					got, err := Transition(e, action, role)
					if err != nil {
						continue
					}
					if !CanTransition(e.EntityKind(), from, got) {
						t.Errorf("%s: Transition(%v, %v, %v) produced %v outside the graph",
							e.EntityKind(), from, action, role, got)
					}
				}
			}
		}
	}
}

func TestResolveRole(t *testing.T) {
	call := newTestCall(StatusPending)
	if got := ResolveRole(call, "creator-1", ""); got != RoleTarget {
		t.Errorf("creator on call = %v, want target", got)
	}
	if got := ResolveRole(call, "fan-1", ""); got != RoleRequester {
		t.Errorf("fan on call = %v, want requester", got)
	}
	if got := ResolveRole(call, "stranger", ""); got != "" {
		t.Errorf("stranger on call = %v, want empty", got)
	}

	req := newTestCoHost(StatusPending)
	if got := ResolveRole(req, "host-1", "host-1"); got != RoleTarget {
		t.Errorf("host on co-host request = %v, want target", got)
	}
	if got := ResolveRole(req, "guest-1", "host-1"); got != RoleRequester {
		t.Errorf("guest on co-host request = %v, want requester", got)
	}
	if got := ResolveRole(req, "stranger", "host-1"); got != "" {
		t.Errorf("stranger on co-host request = %v, want empty", got)
	}

	m := NewCoHostMembership("stream-1", "guest-1", "Guest One", testNow)
	if got := ResolveRole(m, "host-1", "host-1"); got != RoleTarget {
		t.Errorf("host on membership = %v, want target", got)
	}
	if got := ResolveRole(m, "guest-1", "host-1"); got != RoleRequester {
		t.Errorf("member on membership = %v, want requester", got)
	}
}

func TestEntity_Validate(t *testing.T) {
	ok := NewCallRequest("c1", "fan-1", "creator-1", ServiceVoice, 100, testNow)
	if err := ok.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	tests := []struct {
		name string
		req  *CallRequest
	}{
		{"missing requester", NewCallRequest("c1", "", "creator-1", ServiceVoice, 100, testNow)},
		{"missing target", NewCallRequest("c1", "fan-1", "", ServiceVoice, 100, testNow)},
		{"self call", NewCallRequest("c1", "fan-1", "fan-1", ServiceVoice, 100, testNow)},
		{"bad service type", NewCallRequest("c1", "fan-1", "creator-1", ServiceType("fax"), 100, testNow)},
		{"negative price", NewCallRequest("c1", "fan-1", "creator-1", ServiceVoice, -1, testNow)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); !apperrors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	cohost := NewCoHostRequest("r1", "", "stream-1", "Guest", testNow)
	if err := cohost.Validate(); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for missing requester, got %v", err)
	}
}

func TestEntity_Clone(t *testing.T) {
	orig := newTestCall(StatusPending)
	clone := orig.Clone().(*CallRequest)

	clone.State = StatusAccepted
	clone.Version = 9

	if orig.State != StatusPending {
		t.Error("mutating the clone changed the original state")
	}
	if orig.Version != 0 {
		t.Error("mutating the clone changed the original version")
	}
}

package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
	"github.com/CreoLive-Network/coordination_layer/notify"
)

func TestRequestCallOptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))

	id, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVideo, 50)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := h.snapshot(t, "calls:alice")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, id, snap.CallRequests[0].ID, "optimistic entry promoted to the server ID")
	assert.Equal(t, lifecycle.StatusPending, snap.CallRequests[0].State)

	// The acknowledged POST is not confirmation; only versioned data is.
	assert.Equal(t, 1, h.coord.Stats().OptimisticCount)

	h.refresh(t, "calls:alice")
	snap = h.snapshot(t, "calls:alice")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, int64(1), snap.CallRequests[0].Version)
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)

	server, ok := h.backend.CallRequest(id)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusPending, server.State)

	assert.Len(t, h.notes.byCategory(notify.CategorySuccess), 1)
}

func TestRequestCallBalanceGuard(t *testing.T) {
	h := newHarness(t, "alice", func(cfg *Config) {
		cfg.Balance = BalanceFunc(func(ctx context.Context, userID string) (int64, error) {
			return 20, nil
		})
	})
	h.attach(t, CallInboxScope("alice"))

	_, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVideo, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	// Nothing applied, nothing sent.
	assert.Empty(t, h.snapshot(t, "calls:alice").CallRequests)
	assert.Equal(t, 0, h.backend.Hits("POST", "/sessions/requests"))

	// An affordable quote goes through.
	_, err = h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceMessage, 20)
	require.NoError(t, err)
}

func TestRequestCallGuards(t *testing.T) {
	h := newHarness(t, "alice")

	// Inbox not attached yet.
	_, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVideo, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrScopeClosed)

	h.attach(t, CallInboxScope("alice"))

	// Acting as someone else.
	_, err = h.coord.RequestCall(context.Background(), "mallory", "creator-1", lifecycle.ServiceVideo, 10)
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))

	// Unknown service type fails validation before any network call.
	_, err = h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceType("carrier-pigeon"), 10)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 0, h.backend.Hits("POST", "/sessions/requests"))
}

func TestRequestCallRejectionRollsBackImmediately(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))

	h.backend.RejectNext("POST", "/sessions/requests", 1,
		http.StatusPaymentRequired, apperrors.CodeInsufficientBalance, "top up first")

	_, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVideo, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	// The optimistic insert is gone, not waiting out any timeout.
	assert.Empty(t, h.snapshot(t, "calls:alice").CallRequests)
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)

	assert.Len(t, h.notes.byCategory(notify.CategoryFailure), 1)
	assert.Empty(t, h.notes.byCategory(notify.CategoryRetrying))
}

func TestRequestCallRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))

	h.backend.FailNext("POST", "/sessions/requests", 1)

	id, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVoice, 25)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, 2, h.backend.Hits("POST", "/sessions/requests"))
	assert.Len(t, h.notes.byCategory(notify.CategoryRetrying), 1)
	assert.Len(t, h.notes.byCategory(notify.CategorySuccess), 1)
}

func TestRequestCallTransientExhaustThenTimeoutRollback(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))

	h.backend.FailNext("POST", "/sessions/requests", 5)

	_, err := h.coord.RequestCall(context.Background(), "alice", "creator-1", lifecycle.ServiceVideo, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
	assert.Equal(t, 3, h.backend.Hits("POST", "/sessions/requests"), "every attempt reached the backend")

	// The request may have landed server-side, so the optimistic entry
	// stays until the reconcile timeout settles it.
	assert.Equal(t, 1, h.coord.Stats().OptimisticCount)
	require.Len(t, h.snapshot(t, "calls:alice").CallRequests, 1)

	// Exactly one retrying and one failure notification so far.
	assert.Len(t, h.notes.byCategory(notify.CategoryRetrying), 1)
	assert.Len(t, h.notes.byCategory(notify.CategoryFailure), 1)

	// Past the reconcile timeout the sweep rolls the entry back, without
	// reporting the same failure twice.
	h.clk.Advance(11 * time.Second)
	h.coord.sweepOnce(context.Background())

	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)
	assert.Empty(t, h.snapshot(t, "calls:alice").CallRequests)
	assert.Len(t, h.notes.byCategory(notify.CategoryFailure), 1, "rollback after a reported failure is silent")

	// A second sweep finds nothing left to roll back.
	h.coord.sweepOnce(context.Background())
	assert.Len(t, h.notes.byCategory(notify.CategoryFailure), 1)
}

func TestRespondToCallRequestAccept(t *testing.T) {
	h := newHarness(t, "creator-1")
	h.attach(t, CallInboxScope("creator-1"))
	id := h.backend.SeedCallRequest("alice", "creator-1", lifecycle.ServiceVoice, 25)
	h.refresh(t, "calls:creator-1")

	snap := h.snapshot(t, "calls:creator-1")
	require.Len(t, snap.CallRequests, 1)
	require.Equal(t, lifecycle.StatusPending, snap.CallRequests[0].State)

	require.NoError(t, h.coord.RespondToCallRequest(context.Background(), "creator-1", id, DecisionAccept))

	snap = h.snapshot(t, "calls:creator-1")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, lifecycle.StatusAccepted, snap.CallRequests[0].State)
	assert.Equal(t, 1, h.coord.Stats().OptimisticCount, "local accept awaits the server's version")

	server, ok := h.backend.CallRequest(id)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusAccepted, server.State)
	assert.Equal(t, int64(2), server.Version)

	h.refresh(t, "calls:creator-1")
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)
	snap = h.snapshot(t, "calls:creator-1")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, int64(2), snap.CallRequests[0].Version)

	// Accepting again is an illegal transition, refused locally.
	before := h.backend.Hits("POST", "/sessions/requests/"+id+"/accept")
	err := h.coord.RespondToCallRequest(context.Background(), "creator-1", id, DecisionAccept)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidState(err))
	assert.Equal(t, before, h.backend.Hits("POST", "/sessions/requests/"+id+"/accept"))
}

func TestRespondToCallRequestDecline(t *testing.T) {
	h := newHarness(t, "creator-1")
	h.attach(t, CallInboxScope("creator-1"))
	id := h.backend.SeedCallRequest("alice", "creator-1", lifecycle.ServiceMessage, 5)
	h.refresh(t, "calls:creator-1")

	require.NoError(t, h.coord.RespondToCallRequest(context.Background(), "creator-1", id, DecisionDecline))

	// Declined is terminal: out of the live snapshot, into history.
	assert.Empty(t, h.snapshot(t, "calls:creator-1").CallRequests)
	history := h.coord.History("calls:creator-1")
	require.Len(t, history, 1)
	assert.Equal(t, lifecycle.StatusDeclined, history[0].EntityStatus())

	server, ok := h.backend.CallRequest(id)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusDeclined, server.State)

	// Unknown request and foreign actors are refused.
	err := h.coord.RespondToCallRequest(context.Background(), "creator-1", "nope", DecisionDecline)
	assert.True(t, apperrors.IsNotFound(err))
	err = h.coord.RespondToCallRequest(context.Background(), "alice", id, DecisionDecline)
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestRequestCoHostDuplicatePending(t *testing.T) {
	h := newHarness(t, "bob")
	h.backend.SeedStream("s1", "host-1")
	h.attach(t, StreamScope("s1", "host-1"))

	id, err := h.coord.RequestCoHost(context.Background(), "bob", "s1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = h.coord.RequestCoHost(context.Background(), "bob", "s1")
	require.Error(t, err)
	assert.True(t, apperrors.IsAlreadyRequested(err))
	assert.Equal(t, 1, h.backend.Hits("POST", "/co-host-request"), "duplicate refused before the network")
}

func TestRespondToCoHostRequestAccept(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	h.backend.SeedUser("bob", "Bob")
	id := h.backend.SeedCoHostRequest("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")

	require.NoError(t, h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept))

	snap := h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHosts, 1)
	assert.Equal(t, "bob", snap.CoHosts[0].CoHostID)
	assert.Empty(t, snap.CoHostRequests, "accepted request leaves the pending list")

	member, ok := h.backend.CoHost("s1", "bob")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusActive, member.State)

	require.Len(t, h.bus.RecentByType(events.EventCoHostAccepted, 10), 1)
	require.Len(t, h.bus.RecentByType(events.EventCoHostJoined, 10), 1)

	h.refresh(t, "stream:s1")
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)
}

func TestRespondToCoHostRequestReject(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	id := h.backend.SeedCoHostRequest("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")

	require.NoError(t, h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionReject))

	snap := h.snapshot(t, "stream:s1")
	assert.Empty(t, snap.CoHostRequests)
	assert.Empty(t, snap.CoHosts)

	server, ok := h.backend.CoHostRequest(id)
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusRejected, server.State)

	// Accept after reject is an illegal transition, refused locally.
	before := h.backend.Hits("POST", "/co-host-accept")
	err := h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidState(err))
	assert.Equal(t, before, h.backend.Hits("POST", "/co-host-accept"))
}

func TestCoHostCapacityRefusedLocally(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	for i := 0; i < lifecycle.DefaultMaxCoHosts; i++ {
		h.backend.SeedCoHost("s1", fmt.Sprintf("cohost-%d", i))
	}
	id := h.backend.SeedCoHostRequest("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")

	snap := h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHosts, lifecycle.DefaultMaxCoHosts)
	require.Len(t, snap.CoHostRequests, 1)

	err := h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept)
	require.Error(t, err)
	assert.True(t, apperrors.IsCapacityExceeded(err))

	// Refused before anything changed, locally or remotely.
	snap = h.snapshot(t, "stream:s1")
	assert.Len(t, snap.CoHosts, lifecycle.DefaultMaxCoHosts)
	require.Len(t, snap.CoHostRequests, 1)
	assert.Equal(t, lifecycle.StatusPending, snap.CoHostRequests[0].State)
	assert.Equal(t, 0, h.backend.Hits("POST", "/co-host-accept"))
}

func TestCoHostServerCapacityRollsBackBoth(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	id := h.backend.SeedCoHostRequest("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")

	// The local store sees room, but the server is already full.
	h.backend.RejectNext("POST", "/co-host-accept", 1,
		http.StatusConflict, apperrors.CodeCapacityExceeded, "stream is full")

	err := h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)

	// Both optimistic entries rolled back: the request is pending again
	// and the membership never existed.
	snap := h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHostRequests, 1)
	assert.Equal(t, lifecycle.StatusPending, snap.CoHostRequests[0].State)
	assert.Empty(t, snap.CoHosts)
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)
	assert.Len(t, h.notes.byCategory(notify.CategoryFailure), 1)
}

func TestConcurrentAcceptsRespectCapacity(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = h.backend.SeedCoHostRequest("s1", fmt.Sprintf("viewer-%d", i))
	}
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")
	require.Len(t, h.snapshot(t, "stream:s1").CoHostRequests, 50)

	var accepted, refused int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := h.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept)
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case apperrors.IsCapacityExceeded(err):
				atomic.AddInt32(&refused, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(lifecycle.DefaultMaxCoHosts), accepted)
	assert.Equal(t, int32(50-lifecycle.DefaultMaxCoHosts), refused)
	assert.Len(t, h.snapshot(t, "stream:s1").CoHosts, lifecycle.DefaultMaxCoHosts)
	assert.Equal(t, lifecycle.DefaultMaxCoHosts, h.backend.ActiveCoHosts("s1"))
}

func TestRemoveCoHost(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	h.backend.SeedUser("bob", "Bob")
	h.backend.SeedCoHost("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")
	require.Len(t, h.snapshot(t, "stream:s1").CoHosts, 1)

	require.NoError(t, h.coord.RemoveCoHost(context.Background(), "host-1", "s1", "bob"))

	assert.Empty(t, h.snapshot(t, "stream:s1").CoHosts)
	member, ok := h.backend.CoHost("s1", "bob")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusRemoved, member.State)
	require.Len(t, h.bus.RecentByType(events.EventCoHostRemoved, 10), 1)
}

func TestLeaveCoHost(t *testing.T) {
	h := newHarness(t, "bob")
	h.backend.SeedStream("s1", "host-1")
	h.backend.SeedCoHost("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")

	// A co-host cannot use the host-side removal.
	err := h.coord.RemoveCoHost(context.Background(), "bob", "s1", "bob")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))

	require.NoError(t, h.coord.LeaveCoHost(context.Background(), "bob", "s1"))

	assert.Empty(t, h.snapshot(t, "stream:s1").CoHosts)
	member, ok := h.backend.CoHost("s1", "bob")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StatusLeft, member.State)
	require.Len(t, h.bus.RecentByType(events.EventCoHostLeft, 10), 1)
}

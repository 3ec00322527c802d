package lifecycle

import (
	"time"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
)

// ServiceType classifies what a call request is paying for.
type ServiceType string

const (
	ServiceVideo   ServiceType = "video"
	ServiceVoice   ServiceType = "voice"
	ServiceMessage ServiceType = "message"
)

// Valid returns true for a recognized service type.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceVideo, ServiceVoice, ServiceMessage:
		return true
	}
	return false
}

// Entity is the common surface of all coordination records. The store and
// coordinator treat requests and memberships uniformly through it.
type Entity interface {
	// EntityID returns the unique identifier within the scope.
	EntityID() string

	// EntityKind returns the entity kind.
	EntityKind() Kind

	// EntityVersion returns the server-assigned version used for
	// last-write-wins reconciliation. Optimistic updates never advance it.
	EntityVersion() int64

	// EntityStatus returns the current lifecycle status.
	EntityStatus() Status

	// SetStatus sets the lifecycle status. Only the store may call this,
	// and only with a status produced by Transition.
	SetStatus(Status)

	// Terminal returns true once no further transition is legal.
	Terminal() bool

	// Clone returns a deep copy.
	Clone() Entity
}

// CallRequest is a fan's paid session request to a creator.
type CallRequest struct {
	ID          string      `json:"id"`
	RequesterID string      `json:"requesterId"`
	TargetID    string      `json:"targetId"`
	ServiceType ServiceType `json:"serviceType"`
	PriceQuoted int64       `json:"priceQuoted"`
	RequestedAt time.Time   `json:"requestedAt"`
	State       Status      `json:"state"`
	Version     int64       `json:"version"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// NewCallRequest creates a pending call request.
func NewCallRequest(id, requesterID, targetID string, serviceType ServiceType, priceQuoted int64, now time.Time) *CallRequest {
	return &CallRequest{
		ID:          id,
		RequesterID: requesterID,
		TargetID:    targetID,
		ServiceType: serviceType,
		PriceQuoted: priceQuoted,
		RequestedAt: now,
		State:       StatusPending,
		UpdatedAt:   now,
	}
}

// Validate checks the request fields before any network call.
func (r *CallRequest) Validate() error {
	if r.RequesterID == "" {
		return apperrors.RequiredError("requesterId")
	}
	if r.TargetID == "" {
		return apperrors.RequiredError("targetId")
	}
	if r.RequesterID == r.TargetID {
		return apperrors.NewValidationError("targetId", "cannot request a call with yourself")
	}
	if !r.ServiceType.Valid() {
		return apperrors.NewValidationError("serviceType", "must be video, voice, or message")
	}
	if r.PriceQuoted < 0 {
		return apperrors.NewValidationError("priceQuoted", "must not be negative")
	}
	return nil
}

func (r *CallRequest) EntityID() string      { return r.ID }
func (r *CallRequest) EntityKind() Kind      { return KindCallRequest }
func (r *CallRequest) EntityVersion() int64  { return r.Version }
func (r *CallRequest) EntityStatus() Status  { return r.State }
func (r *CallRequest) SetStatus(s Status)    { r.State = s }
func (r *CallRequest) Terminal() bool        { return TerminalFor(KindCallRequest, r.State) }

// Clone returns a deep copy.
func (r *CallRequest) Clone() Entity {
	c := *r
	return &c
}

// CoHostRequest is a secondary creator's request to join a live stream.
type CoHostRequest struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	StreamID    string    `json:"streamId"`
	DisplayName string    `json:"requesterName"`
	RequestedAt time.Time `json:"requestedAt"`
	State       Status    `json:"state"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewCoHostRequest creates a pending co-host request.
func NewCoHostRequest(id, requesterID, streamID, displayName string, now time.Time) *CoHostRequest {
	return &CoHostRequest{
		ID:          id,
		RequesterID: requesterID,
		StreamID:    streamID,
		DisplayName: displayName,
		RequestedAt: now,
		State:       StatusPending,
		UpdatedAt:   now,
	}
}

// Validate checks the request fields before any network call.
func (r *CoHostRequest) Validate() error {
	if r.RequesterID == "" {
		return apperrors.RequiredError("requesterId")
	}
	if r.StreamID == "" {
		return apperrors.RequiredError("streamId")
	}
	return nil
}

func (r *CoHostRequest) EntityID() string      { return r.ID }
func (r *CoHostRequest) EntityKind() Kind      { return KindCoHostRequest }
func (r *CoHostRequest) EntityVersion() int64  { return r.Version }
func (r *CoHostRequest) EntityStatus() Status  { return r.State }
func (r *CoHostRequest) SetStatus(s Status)    { r.State = s }
func (r *CoHostRequest) Terminal() bool        { return TerminalFor(KindCoHostRequest, r.State) }

// Clone returns a deep copy.
func (r *CoHostRequest) Clone() Entity {
	c := *r
	return &c
}

// CoHostMembership is an accepted, currently active co-host on a stream.
// Distinct from the request that created it.
type CoHostMembership struct {
	StreamID    string    `json:"streamId"`
	CoHostID    string    `json:"coHostId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
	State       Status    `json:"state"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewCoHostMembership creates an active membership.
func NewCoHostMembership(streamID, coHostID, displayName string, now time.Time) *CoHostMembership {
	return &CoHostMembership{
		StreamID:    streamID,
		CoHostID:    coHostID,
		DisplayName: displayName,
		JoinedAt:    now,
		State:       StatusActive,
		UpdatedAt:   now,
	}
}

// MembershipID builds the scope-unique membership identifier.
func MembershipID(streamID, coHostID string) string {
	return streamID + ":" + coHostID
}

func (m *CoHostMembership) EntityID() string      { return MembershipID(m.StreamID, m.CoHostID) }
func (m *CoHostMembership) EntityKind() Kind      { return KindMembership }
func (m *CoHostMembership) EntityVersion() int64  { return m.Version }
func (m *CoHostMembership) EntityStatus() Status  { return m.State }
func (m *CoHostMembership) SetStatus(s Status)    { m.State = s }
func (m *CoHostMembership) Terminal() bool        { return TerminalFor(KindMembership, m.State) }

// Clone returns a deep copy.
func (m *CoHostMembership) Clone() Entity {
	c := *m
	return &c
}

// Interface compliance.
var (
	_ Entity = (*CallRequest)(nil)
	_ Entity = (*CoHostRequest)(nil)
	_ Entity = (*CoHostMembership)(nil)
)

package lifecycle

import (
	"fmt"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
)

// DefaultMaxCoHosts is the default cap on concurrent active co-host
// memberships per stream.
const DefaultMaxCoHosts = 4

// Action names a lifecycle mutation requested by an actor.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionDecline  Action = "decline"
	ActionReject   Action = "reject"
	ActionExpire   Action = "expire"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionRemove   Action = "remove"
	ActionLeave    Action = "leave"
)

// Role identifies the actor performing an action, for authorization and
// audit. Every transition is attributable to exactly one role.
type Role string

const (
	// RoleRequester is the party that created the request, or the co-host
	// themself for membership actions.
	RoleRequester Role = "requester"

	// RoleTarget is the creator or stream host the request addresses.
	RoleTarget Role = "target"

	// RoleSystem is the coordinator acting on timers.
	RoleSystem Role = "system"
)

// actionTargets maps each kind's actions onto the resulting status.
var actionTargets = map[Kind]map[Action]Status{
	KindCallRequest: {
		ActionAccept:   StatusAccepted,
		ActionDecline:  StatusDeclined,
		ActionExpire:   StatusExpired,
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
	KindCoHostRequest: {
		ActionAccept: StatusAccepted,
		ActionReject: StatusRejected,
		ActionExpire: StatusExpired,
	},
	KindMembership: {
		ActionRemove: StatusRemoved,
		ActionLeave:  StatusLeft,
	},
}

// allowedRoles maps each action onto the roles permitted to perform it.
var allowedRoles = map[Action][]Role{
	ActionAccept:   {RoleTarget},
	ActionDecline:  {RoleTarget},
	ActionReject:   {RoleTarget},
	ActionExpire:   {RoleSystem},
	ActionComplete: {RoleTarget, RoleSystem},
	ActionCancel:   {RoleRequester, RoleTarget},
	ActionRemove:   {RoleTarget},
	ActionLeave:    {RoleRequester},
}

// roleAllowed returns true if the role may perform the action.
func roleAllowed(action Action, role Role) bool {
	for _, r := range allowedRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}

// TransitionError represents a refused lifecycle transition.
type TransitionError struct {
	Kind   Kind
	From   Status
	Action Action
	Role   Role
	Reason error
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s as %s: %v", e.Kind, e.Action, e.From, e.Role, e.Reason)
}

// Unwrap exposes the taxonomy sentinel behind the refusal.
func (e *TransitionError) Unwrap() error {
	return e.Reason
}

// Transition validates and resolves an action against the entity's current
// status. On success it returns the new status; the caller applies it. The
// entity itself is not mutated here.
//
// Authorization is checked before the state graph, so an unauthorized actor
// learns nothing about the entity's current state.
func Transition(entity Entity, action Action, role Role) (Status, error) {
	kind := entity.EntityKind()
	from := entity.EntityStatus()

	refuse := func(reason error) (Status, error) {
		return StatusUnknown, &TransitionError{
			Kind:   kind,
			From:   from,
			Action: action,
			Role:   role,
			Reason: reason,
		}
	}

	target, ok := actionTargets[kind][action]
	if !ok {
		return refuse(apperrors.ErrInvalidState)
	}
	if !roleAllowed(action, role) {
		return refuse(apperrors.ErrUnauthorized)
	}
	if !CanTransition(kind, from, target) {
		return refuse(apperrors.ErrInvalidState)
	}
	return target, nil
}

// ResolveRole determines the role an actor holds toward an entity, or "" if
// the actor is neither party. hostID is the owner of the stream scope; it is
// ignored for call requests, which name their target directly. System timers
// pass RoleSystem explicitly and never resolve through here.
func ResolveRole(entity Entity, actorID, hostID string) Role {
	switch e := entity.(type) {
	case *CallRequest:
		switch actorID {
		case e.TargetID:
			return RoleTarget
		case e.RequesterID:
			return RoleRequester
		}
	case *CoHostRequest:
		switch actorID {
		case hostID:
			return RoleTarget
		case e.RequesterID:
			return RoleRequester
		}
	case *CoHostMembership:
		switch actorID {
		case hostID:
			return RoleTarget
		case e.CoHostID:
			return RoleRequester
		}
	}
	return ""
}

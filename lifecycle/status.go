// Package lifecycle defines the coordination entities and the pure state
// machine that governs them. Entities are mutated only through Transition;
// the package holds no I/O and no clocks beyond what callers pass in.
package lifecycle

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the coordination entity kind.
type Kind string

const (
	// KindCallRequest is a paid session request (video, voice, or message).
	KindCallRequest Kind = "call_request"

	// KindCoHostRequest is a request to join a live stream as co-host.
	KindCoHostRequest Kind = "co_host_request"

	// KindMembership is an accepted, currently active co-host.
	KindMembership Kind = "co_host_membership"
)

// Status represents the lifecycle status of a coordination entity.
type Status int32

const (
	// StatusUnknown indicates an uninitialized or unknown state.
	StatusUnknown Status = iota

	// StatusPending indicates a request awaiting a response.
	StatusPending

	// StatusAccepted indicates a request the target accepted.
	StatusAccepted

	// StatusDeclined indicates a call request the creator declined.
	StatusDeclined

	// StatusRejected indicates a co-host request the host rejected.
	StatusRejected

	// StatusExpired indicates a request that timed out unanswered.
	StatusExpired

	// StatusCompleted indicates an accepted call that finished.
	StatusCompleted

	// StatusCancelled indicates an accepted call that was called off.
	StatusCancelled

	// StatusActive indicates a live co-host membership.
	StatusActive

	// StatusRemoved indicates a membership ended by the host.
	StatusRemoved

	// StatusLeft indicates a membership ended by the co-host themself.
	StatusLeft
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusDeclined:
		return "declined"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusActive:
		return "active"
	case StatusRemoved:
		return "removed"
	case StatusLeft:
		return "left"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return StatusPending
	case "accepted":
		return StatusAccepted
	case "declined":
		return StatusDeclined
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	case "completed":
		return StatusCompleted
	case "cancelled", "canceled":
		return StatusCancelled
	case "active", "joined": // joined is the push-event spelling
		return StatusActive
	case "removed":
		return StatusRemoved
	case "left":
		return StatusLeft
	default:
		return StatusUnknown
	}
}

// ValidTransitions defines the allowed state graph per entity kind.
var ValidTransitions = map[Kind]map[Status][]Status{
	KindCallRequest: {
		StatusPending:  {StatusAccepted, StatusDeclined, StatusExpired},
		StatusAccepted: {StatusCompleted, StatusCancelled},
	},
	KindCoHostRequest: {
		StatusPending: {StatusAccepted, StatusRejected, StatusExpired},
	},
	KindMembership: {
		StatusActive: {StatusRemoved, StatusLeft},
	},
}

// InitialStatus returns the status an entity of the kind is created in.
func InitialStatus(kind Kind) Status {
	if kind == KindMembership {
		return StatusActive
	}
	return StatusPending
}

// CanTransition returns true if the transition from -> to is valid for kind.
func CanTransition(kind Kind, from, to Status) bool {
	graph, ok := ValidTransitions[kind]
	if !ok {
		return false
	}
	for _, s := range graph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalFor returns true if the status is terminal for the kind: a state
// the kind's graph can reach but never leave.
func TerminalFor(kind Kind, s Status) bool {
	graph, ok := ValidTransitions[kind]
	if !ok {
		return false
	}
	if len(graph[s]) > 0 {
		return false
	}
	for _, targets := range graph {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	return false
}

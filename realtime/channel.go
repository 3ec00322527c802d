// Package realtime delivers coordination events over push channels: a
// websocket client for interactive sessions and a Redis channel for
// server-side embedders running multiple coordinator instances.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/CreoLive-Network/coordination_layer/events"
)

// PushEvent is one event received from a push channel.
type PushEvent struct {
	// Scope is the coordination scope the event belongs to.
	Scope string

	// Type is the canonical event type. Wire aliases are already
	// resolved by the channel.
	Type events.EventType

	// Payload is the raw event payload.
	Payload json.RawMessage
}

// Handler processes pushed events. Handlers run on their own goroutine
// and must not block on channel internals.
type Handler func(event PushEvent)

// PushChannel is the coordinator's view of a push transport.
type PushChannel interface {
	// Subscribe starts delivery for a scope. Subscribing an already
	// subscribed scope is a no-op.
	Subscribe(ctx context.Context, scope string) error

	// Unsubscribe stops delivery for a scope.
	Unsubscribe(ctx context.Context, scope string) error

	// Publish sends a domain event to every subscriber of the scope,
	// this instance included on loopback transports.
	Publish(ctx context.Context, scope string, eventType events.EventType, payload interface{}) error

	// Handle registers a receiver for events on all subscribed scopes.
	Handle(handler Handler)

	// HandleReconnect registers a callback fired after the channel
	// recovers its subscriptions from a connection loss. Receivers
	// rebuild their snapshots then, since events may have been missed.
	HandleReconnect(fn func())

	// Close tears the channel down.
	Close() error
}

// Package events defines the domain events coordinators exchange and an
// in-process bus for local subscribers. Event names match the push channel
// wire names so one vocabulary serves both sides.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

// EventType classifies a coordination event.
type EventType string

const (
	// Co-host events
	EventCoHostRequest  EventType = "co_host_request"
	EventCoHostAccepted EventType = "co_host_accepted"
	EventCoHostRejected EventType = "co_host_rejected"
	EventCoHostJoined   EventType = "co_host_joined"
	EventCoHostLeft     EventType = "co_host_left"
	EventCoHostRemoved  EventType = "co_host_removed"
	EventCoHostExpired  EventType = "co_host_request_expired"

	// Call request events
	EventCallRequest          EventType = "call_request"
	EventCallRequestAccepted  EventType = "call_request_accepted"
	EventCallRequestDeclined  EventType = "call_request_declined"
	EventCallRequestExpired   EventType = "call_request_expired"
	EventCallRequestCompleted EventType = "call_request_completed"
	EventCallRequestCancelled EventType = "call_request_cancelled"

	// Notification events (local bus only, never published to the channel)
	EventNotification EventType = "notification"
)

// wireAliases maps legacy wire names onto canonical event types. The
// platform emitted session_request_* before the call vocabulary settled.
var wireAliases = map[string]EventType{
	"session_request":           EventCallRequest,
	"session_request_accepted":  EventCallRequestAccepted,
	"session_request_declined":  EventCallRequestDeclined,
	"session_request_expired":   EventCallRequestExpired,
	"session_request_completed": EventCallRequestCompleted,
	"session_request_cancelled": EventCallRequestCancelled,
}

// CanonicalType resolves a wire event name to its canonical type.
func CanonicalType(wire string) EventType {
	if t, ok := wireAliases[wire]; ok {
		return t
	}
	return EventType(wire)
}

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one coordination event, pushed or locally raised.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Scope     string    `json:"scope,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Entity correlation for version-based reconciliation.
	EntityID string `json:"entityId,omitempty"`
	Version  int64  `json:"version,omitempty"`

	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// DecodePayload unmarshals the payload into target.
func (e Event) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// ===== Wire payloads =====

// CoHostRequestPayload announces a new co-host request on a stream.
type CoHostRequestPayload struct {
	StreamID      string `json:"streamId"`
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`

	// Request carries the full entity when the backend includes it;
	// receivers without it fall back to a gated refresh.
	Request *lifecycle.CoHostRequest `json:"request,omitempty"`
}

// CoHostAcceptedPayload tells the requester their request was accepted.
type CoHostAcceptedPayload struct {
	StreamID string                   `json:"streamId"`
	Request  *lifecycle.CoHostRequest `json:"request,omitempty"`
}

// CoHostRejectedPayload tells the requester their request was rejected.
type CoHostRejectedPayload struct {
	Request *lifecycle.CoHostRequest `json:"request,omitempty"`
}

// CoHostJoinedPayload announces a new active co-host.
type CoHostJoinedPayload struct {
	StreamID string                      `json:"streamId"`
	CoHost   *lifecycle.CoHostMembership `json:"coHost,omitempty"`
}

// CoHostLeftPayload announces a co-host left on their own.
type CoHostLeftPayload struct {
	StreamID string                      `json:"streamId"`
	CoHostID string                      `json:"coHostId"`
	CoHost   *lifecycle.CoHostMembership `json:"coHost,omitempty"`
}

// CoHostRemovedPayload announces a host removed a co-host.
type CoHostRemovedPayload struct {
	StreamID string                      `json:"streamId"`
	CoHostID string                      `json:"coHostId"`
	CoHost   *lifecycle.CoHostMembership `json:"coHost,omitempty"`
}

// CallRequestPayload announces a new call request to the creator.
type CallRequestPayload struct {
	RequestID   string                 `json:"requestId"`
	RequesterID string                 `json:"requesterId"`
	TargetID    string                 `json:"targetId"`
	ServiceType string                 `json:"serviceType"`
	Request     *lifecycle.CallRequest `json:"request,omitempty"`
}

// CallRequestUpdatePayload carries a call request state change.
type CallRequestUpdatePayload struct {
	RequestID string                 `json:"requestId"`
	Request   *lifecycle.CallRequest `json:"request,omitempty"`
}

// ===== In-process bus =====

// Handler processes events as they are published.
type Handler func(Event)

// Filter decides whether an event should reach a handler.
type Filter func(Event) bool

// Bus is the interface for event publication and subscription.
type Bus interface {
	// Publish records an event and notifies subscribers.
	Publish(event Event)

	// Subscribe registers a handler for all events.
	Subscribe(handler Handler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter Filter, handler Handler) func()

	// Recent returns the most recent N events.
	Recent(n int) []Event

	// RecentByScope returns recent events for a coordination scope.
	RecentByScope(scope string, n int) []Event

	// RecentByType returns recent events of a specific type.
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular event buffer implementing Bus.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates an event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Publish(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	// Return unsubscribe function
	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByScope returns recent events for a coordination scope.
func (rb *RingBuffer) RecentByScope(scope string, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Scope == scope })
}

// RecentByType returns recent events of a specific type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) recentMatching(n int, match func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if match(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// NoOpBus discards all events.
type NoOpBus struct{}

func (NoOpBus) Publish(Event)                             {}
func (NoOpBus) Subscribe(Handler) func()                  { return func() {} }
func (NoOpBus) SubscribeFiltered(Filter, Handler) func()  { return func() {} }
func (NoOpBus) Recent(int) []Event                        { return nil }
func (NoOpBus) RecentByScope(string, int) []Event         { return nil }
func (NoOpBus) RecentByType(EventType, int) []Event       { return nil }

// Interface compliance.
var (
	_ Bus = (*RingBuffer)(nil)
	_ Bus = NoOpBus{}
)

// ===== Builder =====

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a builder for the given event type.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

// Scope sets the coordination scope.
func (b *EventBuilder) Scope(scope string) *EventBuilder {
	b.event.Scope = scope
	return b
}

// Entity sets the entity correlation fields.
func (b *EventBuilder) Entity(id string, version int64) *EventBuilder {
	b.event.EntityID = id
	b.event.Version = version
	return b
}

// Severity sets the severity.
func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

// Message sets the message.
func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom records the error message and raises severity.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

// Payload marshals and attaches the payload.
func (b *EventBuilder) Payload(payload any) *EventBuilder {
	if payload == nil {
		return b
	}
	data, err := json.Marshal(payload)
	if err == nil {
		b.event.Payload = data
	}
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// PublishTo publishes the event on the given bus.
func (b *EventBuilder) PublishTo(bus Bus) {
	bus.Publish(b.Build())
}

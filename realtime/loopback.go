package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/CreoLive-Network/coordination_layer/events"
)

// Hub is an in-process fan-out connecting loopback channels. It stands in
// for the socket gateway when every coordinator lives in one process, and
// it is what the test suites run against.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*LoopbackChannel]bool
}

// NewHub creates an empty loopback hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*LoopbackChannel]bool)}
}

// Channel creates a new endpoint connected to the hub.
func (h *Hub) Channel() *LoopbackChannel {
	c := &LoopbackChannel{
		hub:    h,
		scopes: make(map[string]bool),
	}
	h.mu.Lock()
	h.endpoints[c] = true
	h.mu.Unlock()
	return c
}

// broadcast delivers one event to every endpoint subscribed to its scope,
// the publisher included.
func (h *Hub) broadcast(ev PushEvent) {
	h.mu.Lock()
	endpoints := make([]*LoopbackChannel, 0, len(h.endpoints))
	for c := range h.endpoints {
		endpoints = append(endpoints, c)
	}
	h.mu.Unlock()

	for _, c := range endpoints {
		c.deliver(ev)
	}
}

func (h *Hub) remove(c *LoopbackChannel) {
	h.mu.Lock()
	delete(h.endpoints, c)
	h.mu.Unlock()
}

// LoopbackChannel is one endpoint on a Hub. Publishes loop back to the
// publisher when it is subscribed to the scope.
type LoopbackChannel struct {
	mu       sync.Mutex
	hub      *Hub
	scopes   map[string]bool
	handlers []Handler
	onReconn []func()
	closed   bool

	// Deliveries synchronous by default makes test assertions
	// deterministic; set Async to mimic the socket channels.
	Async bool
}

// Subscribe starts delivery for a scope. Idempotent.
func (c *LoopbackChannel) Subscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("loopback: closed")
	}
	c.scopes[scope] = true
	return nil
}

// Unsubscribe stops delivery for a scope.
func (c *LoopbackChannel) Unsubscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, scope)
	return nil
}

// Publish fans the event out through the hub.
func (c *LoopbackChannel) Publish(ctx context.Context, scope string, eventType events.EventType, payload interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("loopback: closed")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.hub.broadcast(PushEvent{
		Scope:   scope,
		Type:    events.CanonicalType(string(eventType)),
		Payload: data,
	})
	return nil
}

// Handle registers a receiver for events on all subscribed scopes.
func (c *LoopbackChannel) Handle(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// HandleReconnect registers a reconnect callback. Loopback channels never
// disconnect; FireReconnect triggers the callbacks for tests.
func (c *LoopbackChannel) HandleReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = append(c.onReconn, fn)
}

// FireReconnect invokes the reconnect callbacks, simulating a recovered
// connection.
func (c *LoopbackChannel) FireReconnect() {
	c.mu.Lock()
	callbacks := make([]func(), len(c.onReconn))
	copy(callbacks, c.onReconn)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Close detaches the endpoint from the hub.
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hub.remove(c)
	return nil
}

func (c *LoopbackChannel) deliver(ev PushEvent) {
	c.mu.Lock()
	if c.closed || !c.scopes[ev.Scope] {
		c.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	async := c.Async
	c.mu.Unlock()

	for _, h := range handlers {
		if async {
			go h(ev)
		} else {
			h(ev)
		}
	}
}

// Interface compliance.
var _ PushChannel = (*LoopbackChannel)(nil)

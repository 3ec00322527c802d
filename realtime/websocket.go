package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/transport"
)

// Protocol event names on the socket gateway.
const (
	wireJoin      = "phx_join"
	wireLeave     = "phx_leave"
	wireReply     = "phx_reply"
	wireError     = "phx_error"
	wireClose     = "phx_close"
	wireHeartbeat = "heartbeat"

	heartbeatTopic = "phoenix"
)

// topicPrefix namespaces coordination scopes on the shared gateway.
const topicPrefix = "coordination:"

// errClientClosed aborts a reconnect attempt that lost the race with
// Close.
var errClientClosed = errors.New("realtime: client closed")

// TopicFor returns the gateway topic for a coordination scope.
func TopicFor(scope string) string {
	return topicPrefix + scope
}

// scopeFor inverts TopicFor; returns "" for foreign topics.
func scopeFor(topic string) string {
	if !strings.HasPrefix(topic, topicPrefix) {
		return ""
	}
	return strings.TrimPrefix(topic, topicPrefix)
}

// WebsocketConfig configures the websocket push channel.
type WebsocketConfig struct {
	// URL is the gateway websocket endpoint (ws:// or wss://).
	URL string

	// Tokens supplies the connect token appended to the handshake.
	Tokens transport.TokenProvider

	// HeartbeatInterval paces the keepalive frames.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// Reconnect paces reconnection attempts after a dropped connection.
	Reconnect transport.Backoff

	// MaxReconnectAttempts gives up after this many consecutive failed
	// reconnects. Zero means keep trying until Close.
	MaxReconnectAttempts int

	// Logger defaults to disabled when left zero.
	Logger zerolog.Logger
}

// Channel is one subscribed topic on the websocket client.
type Channel struct {
	client  *WebsocketClient
	topic   string
	joined  bool
	joinRef string
}

// WebsocketClient is the push channel for interactive sessions: one socket
// connection, one logical subscription per scope, resubscribed after
// reconnect.
type WebsocketClient struct {
	mu       sync.RWMutex
	cfg      WebsocketConfig
	conn     *websocket.Conn
	channels map[string]*Channel
	onEvent  map[string][]Handler // keyed topic:event
	handlers []Handler
	onReconn []func()
	done     chan struct{}
	closing  bool
	ref      int
	log      zerolog.Logger
}

// frame is the wire shape of every gateway message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// NewWebsocketClient creates a websocket push channel. Connect must be
// called before subscribing.
func NewWebsocketClient(cfg WebsocketConfig) *WebsocketClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect = transport.DefaultBackoff()
	}
	return &WebsocketClient{
		cfg:      cfg,
		channels: make(map[string]*Channel),
		onEvent:  make(map[string][]Handler),
		done:     make(chan struct{}),
		log:      cfg.Logger.With().Str("component", "realtime.websocket").Logger(),
	}
}

// Connect establishes the socket connection and starts the read and
// heartbeat loops. Connecting an already connected client is a no-op.
func (c *WebsocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	c.closing = false

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(conn, c.done)
	go c.heartbeat(c.done)
	return nil
}

func (c *WebsocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := c.cfg.URL
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			sep := "?"
			if strings.Contains(wsURL, "?") {
				sep = "&"
			}
			wsURL += sep + "token=" + token
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Close shuts the channel down. Subscriptions are not replayed on a later
// Connect; callers attach scopes again.
func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closing = true
	if c.conn == nil {
		return nil
	}

	close(c.done)

	err := c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.conn.Close()
	c.conn = nil
	c.channels = make(map[string]*Channel)
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// channel returns or creates the Channel for a topic.
func (c *WebsocketClient) channel(topic string) *Channel {
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := &Channel{client: c, topic: topic}
	c.channels[topic] = ch
	return ch
}

// Subscribe joins the gateway topic for a scope. Subscribing an already
// subscribed scope is a no-op.
func (c *WebsocketClient) Subscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	return c.channel(TopicFor(scope)).joinLocked()
}

func (ch *Channel) joinLocked() error {
	if ch.joined {
		return nil
	}

	c := ch.client
	c.ref++
	ref := fmt.Sprintf("%d", c.ref)
	ch.joinRef = ref

	if err := c.conn.WriteJSON(frame{
		Topic:   ch.topic,
		Event:   wireJoin,
		Payload: json.RawMessage("{}"),
		Ref:     ref,
		JoinRef: ref,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	ch.joined = true
	return nil
}

// Unsubscribe leaves the gateway topic for a scope. Unsubscribing an
// unknown scope is a no-op.
func (c *WebsocketClient) Unsubscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	topic := TopicFor(scope)
	ch, ok := c.channels[topic]
	if !ok || !ch.joined {
		return nil
	}

	c.ref++
	err := c.conn.WriteJSON(frame{
		Topic:   topic,
		Event:   wireLeave,
		Payload: json.RawMessage("{}"),
		Ref:     fmt.Sprintf("%d", c.ref),
		JoinRef: ch.joinRef,
	})
	ch.joined = false
	delete(c.channels, topic)
	if err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// Publish sends a domain event to every subscriber of the scope. The
// gateway fans it out; delivery back to this client follows the gateway's
// loopback policy.
func (c *WebsocketClient) Publish(ctx context.Context, scope string, eventType events.EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	c.ref++
	if err := c.conn.WriteJSON(frame{
		Topic:   TopicFor(scope),
		Event:   string(eventType),
		Payload: data,
		Ref:     fmt.Sprintf("%d", c.ref),
	}); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	return nil
}

// Handle registers a receiver for events on all subscribed scopes.
func (c *WebsocketClient) Handle(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// On registers a handler for one event type on one scope. Wire aliases
// are resolved before matching, so registering for call_request_accepted
// also catches session_request_accepted frames.
func (c *WebsocketClient) On(scope string, eventType events.EventType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := TopicFor(scope) + ":" + string(eventType)
	c.onEvent[key] = append(c.onEvent[key], handler)
}

// HandleReconnect registers a callback fired after subscriptions are
// recovered from a connection loss.
func (c *WebsocketClient) HandleReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = append(c.onReconn, fn)
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		c.dispatch(message)
	}
}

// dispatch demultiplexes one frame by topic and canonical event type and
// hands it to the registered handlers, each on its own goroutine.
func (c *WebsocketClient) dispatch(message []byte) {
	parsed := gjson.ParseBytes(message)
	topic := parsed.Get("topic").String()
	event := parsed.Get("event").String()

	switch event {
	case wireReply, wireError, wireClose, wireHeartbeat, "":
		return
	}

	scope := scopeFor(topic)
	if scope == "" {
		return
	}

	payload := parsed.Get("payload")
	// Some gateways wrap the domain payload one level down.
	if inner := payload.Get("payload"); inner.Exists() {
		payload = inner
	}

	ev := PushEvent{
		Scope:   scope,
		Type:    events.CanonicalType(event),
		Payload: json.RawMessage(payload.Raw),
	}

	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	handlers = append(handlers, c.handlers...)
	handlers = append(handlers, c.onEvent[topic+":"+string(ev.Type)]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		go h(ev)
	}
}

// handleDisconnect runs the reconnect loop after an unexpected read
// failure. Subscribed topics are re-joined on the fresh connection, then
// the reconnect callbacks fire so receivers can rebuild their snapshots.
func (c *WebsocketClient) handleDisconnect(old *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closing || c.conn != old {
		c.mu.Unlock()
		return
	}
	close(c.done) // done is per connection; this stops old's heartbeat
	c.conn.Close()
	c.conn = nil
	topics := make([]string, 0, len(c.channels))
	for topic, ch := range c.channels {
		ch.joined = false
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	c.log.Warn().Err(cause).Int("topics", len(topics)).Msg("connection lost, reconnecting")

	for attempt := 1; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.log.Error().Int("attempts", attempt-1).Msg("giving up on reconnect")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.reconnectOnce(ctx, topics)
		cancel()
		if err == nil {
			break
		}
		if errors.Is(err, errClientClosed) {
			return
		}

		c.mu.RLock()
		closing := c.closing
		c.mu.RUnlock()
		if closing {
			return
		}

		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		time.Sleep(c.cfg.Reconnect.Delay(attempt))
	}

	c.mu.RLock()
	closing := c.closing
	callbacks := make([]func(), len(c.onReconn))
	copy(callbacks, c.onReconn)
	c.mu.RUnlock()
	if closing {
		return
	}

	c.log.Info().Int("topics", len(topics)).Msg("reconnected")
	for _, fn := range callbacks {
		go fn()
	}
}

func (c *WebsocketClient) reconnectOnce(ctx context.Context, topics []string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		conn.Close()
		return errClientClosed
	}
	if c.conn != nil {
		// A concurrent Connect won; this dial is redundant.
		conn.Close()
		return nil
	}

	c.conn = conn
	c.done = make(chan struct{})

	for _, topic := range topics {
		if err := c.channel(topic).joinLocked(); err != nil {
			conn.Close()
			c.conn = nil
			return err
		}
	}

	go c.readLoop(conn, c.done)
	go c.heartbeat(c.done)
	return nil
}

// heartbeat writes keepalives until its connection's done channel
// closes, so a superseded connection never ticks alongside its
// replacement.
func (c *WebsocketClient) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.conn != nil {
				c.ref++
				c.conn.WriteJSON(frame{
					Topic:   heartbeatTopic,
					Event:   wireHeartbeat,
					Payload: json.RawMessage("{}"),
					Ref:     fmt.Sprintf("%d", c.ref),
				})
			}
			c.mu.Unlock()
		}
	}
}

// Interface compliance.
var _ PushChannel = (*WebsocketClient)(nil)

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/CreoLive-Network/coordination_layer/events"
)

// RedisConfig configures the Redis push channel.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database.
	DB int

	// Prefix namespaces coordination channels, default "coordination".
	Prefix string

	// Client overrides the connection, for embedders that pool their own.
	Client *redis.Client

	// PingInterval paces the health check that drives the reconnect
	// callbacks. Default 15s.
	PingInterval time.Duration

	// Logger defaults to disabled when left zero.
	Logger zerolog.Logger
}

// redisEnvelope is the message shape on the Redis wire.
type redisEnvelope struct {
	Scope   string          `json:"scope"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RedisChannel carries coordination events over Redis pub/sub, for
// server-side embedders running multiple coordinator instances. Like any
// Redis subscriber, an instance receives its own publishes; version
// reconciliation makes the echo harmless.
type RedisChannel struct {
	mu        sync.Mutex
	client    *redis.Client
	ownsConn  bool
	prefix    string
	pingEvery time.Duration
	pubsub    *redis.PubSub
	scopes    map[string]bool
	handlers  []Handler
	onReconn  []func()
	cancel    context.CancelFunc
	log       zerolog.Logger
}

// NewRedisChannel creates a Redis push channel and starts its receive
// and health check loops.
func NewRedisChannel(cfg RedisConfig) *RedisChannel {
	if cfg.Prefix == "" {
		cfg.Prefix = "coordination"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}

	client := cfg.Client
	ownsConn := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ownsConn = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		client:    client,
		ownsConn:  ownsConn,
		prefix:    cfg.Prefix,
		pingEvery: cfg.PingInterval,
		pubsub:    client.Subscribe(ctx),
		scopes:    make(map[string]bool),
		cancel:    cancel,
		log:       cfg.Logger.With().Str("component", "realtime.redis").Logger(),
	}

	go c.receiveLoop(ctx)
	go c.watchLoop(ctx)
	return c
}

// channelFor returns the Redis channel name for a coordination scope.
func (c *RedisChannel) channelFor(scope string) string {
	return c.prefix + ":" + scope
}

// Subscribe starts delivery for a scope. Subscribing an already
// subscribed scope is a no-op.
func (c *RedisChannel) Subscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scopes[scope] {
		return nil
	}
	if err := c.pubsub.Subscribe(ctx, c.channelFor(scope)); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", scope, err)
	}
	c.scopes[scope] = true
	return nil
}

// Unsubscribe stops delivery for a scope.
func (c *RedisChannel) Unsubscribe(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.scopes[scope] {
		return nil
	}
	delete(c.scopes, scope)
	if err := c.pubsub.Unsubscribe(ctx, c.channelFor(scope)); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", scope, err)
	}
	return nil
}

// Publish fans a domain event out to every instance subscribed to the
// scope, this one included.
func (c *RedisChannel) Publish(ctx context.Context, scope string, eventType events.EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(redisEnvelope{
		Scope:   scope,
		Event:   string(eventType),
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := c.client.Publish(ctx, c.channelFor(scope), body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", scope, err)
	}
	return nil
}

// Handle registers a receiver for events on all subscribed scopes.
func (c *RedisChannel) Handle(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// HandleReconnect registers a callback for recovered connections. The
// go-redis PubSub reconnects and resubscribes internally; the health
// check fires the callbacks once Ping answers again after a failure, so
// receivers can rebuild anything published while the link was down.
func (c *RedisChannel) HandleReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = append(c.onReconn, fn)
}

// Close tears the channel down, closing the owned connection if this
// channel created it.
func (c *RedisChannel) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.pubsub.Close()
	if c.ownsConn {
		if cerr := c.client.Close(); err == nil {
			err = cerr
		}
	}
	c.scopes = make(map[string]bool)
	return err
}

func (c *RedisChannel) receiveLoop(ctx context.Context) {
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

// watchLoop pings the server and fires the reconnect callbacks on the
// failed-to-healthy transition. Edge triggered: a steady connection and
// a steady outage both stay silent.
func (c *RedisChannel) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.client.Ping(ctx).Err(); err != nil {
				if healthy {
					c.log.Warn().Err(err).Msg("redis unreachable")
				}
				healthy = false
				continue
			}
			if healthy {
				continue
			}
			healthy = true
			c.log.Info().Msg("redis recovered")

			c.mu.Lock()
			callbacks := make([]func(), len(c.onReconn))
			copy(callbacks, c.onReconn)
			c.mu.Unlock()
			for _, fn := range callbacks {
				go fn()
			}
		}
	}
}

func (c *RedisChannel) dispatch(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		c.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed message")
		return
	}

	ev := PushEvent{
		Scope:   env.Scope,
		Type:    events.CanonicalType(env.Event),
		Payload: env.Payload,
	}

	c.mu.Lock()
	if !c.scopes[ev.Scope] {
		c.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		go h(ev)
	}
}

// Interface compliance.
var _ PushChannel = (*RedisChannel)(nil)

// Package coordinator orchestrates the request lifecycle: it applies
// optimistic updates to per-scope stores, calls the coordination backend,
// converges on authoritative state from push events and rate-limited
// polls, and surfaces each outcome exactly once.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
	"github.com/CreoLive-Network/coordination_layer/limiter"
	"github.com/CreoLive-Network/coordination_layer/metrics"
	"github.com/CreoLive-Network/coordination_layer/notify"
	"github.com/CreoLive-Network/coordination_layer/realtime"
	"github.com/CreoLive-Network/coordination_layer/store"
	"github.com/CreoLive-Network/coordination_layer/transport"
)

// BalanceProvider supplies a user's current token balance. The balance
// ledger itself is external; the coordinator only reads it as a
// precondition for paid call requests.
type BalanceProvider interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// BalanceFunc adapts a function to the BalanceProvider interface.
type BalanceFunc func(ctx context.Context, userID string) (int64, error)

func (f BalanceFunc) Balance(ctx context.Context, userID string) (int64, error) {
	return f(ctx, userID)
}

// Config configures a Coordinator. Client and UserID are required; every
// other field has a working default.
type Config struct {
	// UserID is the local user all operations act as.
	UserID string

	// DisplayName is attached to requests this user creates.
	DisplayName string

	// Client is the REST client for the coordination backend.
	Client *transport.Client

	// Channel is the shared push channel. Nil disables push convergence
	// and publishing; polls still reconcile.
	Channel realtime.PushChannel

	// Bus receives local coordination events. Defaults to a no-op bus.
	Bus events.Bus

	// Balance guards paid call requests. Nil skips the balance check.
	Balance BalanceProvider

	// Notifier surfaces operation outcomes. Nil discards them.
	Notifier *notify.Notifier

	// Metrics defaults to a no-op collector.
	Metrics metrics.MetricsCollector

	Logger zerolog.Logger

	// MaxCoHosts caps concurrent active co-hosts per stream.
	MaxCoHosts int

	// MaxAttempts bounds the coordinator retry loop, first try included.
	MaxAttempts int

	// Backoff paces the coordinator retry loop.
	Backoff transport.Backoff

	// Gate configures the per-scope refresh gate.
	Gate limiter.GateConfig

	// Store configures each scope's store.
	Store store.Config

	// PendingTTL expires unanswered pending requests locally.
	PendingTTL time.Duration

	// SweepInterval paces the reconciliation sweep.
	SweepInterval time.Duration

	// StalenessThreshold triggers a gated refresh when no authoritative
	// update arrived on a scope for this long.
	StalenessThreshold time.Duration

	// PruneSchedule is the cron spec for the retention prune.
	PruneSchedule string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) normalize() {
	if c.MaxCoHosts <= 0 {
		c.MaxCoHosts = lifecycle.DefaultMaxCoHosts
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 120 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 30 * time.Second
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@every 1m"
	}
	if c.Backoff == (transport.Backoff{}) {
		c.Backoff = transport.DefaultBackoff()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Bus == nil {
		c.Bus = events.NoOpBus{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoOpCollector()
	}
	if c.Notifier == nil {
		c.Notifier = notify.NewNotifier(notify.NotifierConfig{})
	}
}

// Coordinator coordinates call and co-host request lifecycles for one
// user across any number of attached scopes.
type Coordinator struct {
	cfg      Config
	userID   string
	client   *transport.Client
	channel  realtime.PushChannel
	bus      events.Bus
	balance  BalanceProvider
	notifier *notify.Notifier
	metrics  metrics.MetricsCollector
	gate     *limiter.Gate
	backoff  transport.Backoff
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	scopes  map[string]*scopeState
	running bool

	runCtx  context.Context
	runStop context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New creates a Coordinator. The push channel's handlers are registered
// here; delivery starts once the channel connects.
func New(cfg Config) (*Coordinator, error) {
	if cfg.UserID == "" {
		return nil, apperrors.Wrap("coordinator", "New", apperrors.RequiredError("userId"))
	}
	if cfg.Client == nil {
		return nil, apperrors.Wrap("coordinator", "New", apperrors.RequiredError("client"))
	}
	cfg.normalize()

	gateCfg := cfg.Gate
	if gateCfg.Now == nil {
		gateCfg.Now = cfg.Now
	}
	storeCfg := cfg.Store
	if storeCfg.Now == nil {
		storeCfg.Now = cfg.Now
	}
	cfg.Store = storeCfg

	c := &Coordinator{
		cfg:      cfg,
		userID:   cfg.UserID,
		client:   cfg.Client,
		channel:  cfg.Channel,
		bus:      cfg.Bus,
		balance:  cfg.Balance,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		gate:     limiter.NewGate(gateCfg),
		backoff:  cfg.Backoff,
		log:      cfg.Logger.With().Str("component", "coordinator").Str("user", cfg.UserID).Logger(),
		now:      cfg.Now,
		scopes:   make(map[string]*scopeState),
	}

	if c.channel != nil {
		c.channel.Handle(c.handlePush)
		c.channel.HandleReconnect(c.handleReconnect)
	}
	return c, nil
}

// Start launches the reconciliation sweep and the scheduled prune.
// Idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	c.runCtx, c.runStop = context.WithCancel(ctx)
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.cfg.PruneSchedule, c.pruneAll); err != nil {
		c.runStop()
		return apperrors.Wrap("coordinator", "Start", err)
	}
	c.cron.Start()

	c.wg.Add(1)
	go c.sweepLoop(c.runCtx)

	c.running = true
	c.log.Info().
		Dur("sweep_interval", c.cfg.SweepInterval).
		Str("prune_schedule", c.cfg.PruneSchedule).
		Msg("coordinator started")
	return nil
}

// Stop halts the background loops. Attached scopes stay attached.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.runStop()
	cronDone := c.cron.Stop()
	c.mu.Unlock()

	<-cronDone.Done()
	c.wg.Wait()
	c.log.Info().Msg("coordinator stopped")
}

// Close stops the loops and detaches every scope.
func (c *Coordinator) Close() {
	c.Stop()
	for _, key := range c.ScopeKeys() {
		c.DetachScope(key)
	}
}

// AttachScope starts coordinating a scope: store and queue creation, gate
// attach, push subscription. Attaching an attached scope is a no-op.
func (c *Coordinator) AttachScope(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return apperrors.Wrap("coordinator", "AttachScope", err)
	}

	c.mu.Lock()
	if _, ok := c.scopes[scope.Key]; ok {
		c.mu.Unlock()
		return nil
	}
	st := newScopeState(scope, store.New(scope.Key, c.cfg.Store), c.now())
	c.scopes[scope.Key] = st
	count := len(c.scopes)
	c.mu.Unlock()

	c.gate.Attach(scope.Key)
	if c.channel != nil {
		if err := c.channel.Subscribe(ctx, scope.Key); err != nil {
			c.mu.Lock()
			delete(c.scopes, scope.Key)
			count = len(c.scopes)
			c.mu.Unlock()
			st.cancel()
			c.gate.Detach(scope.Key)
			c.metrics.SetActiveScopes(count)
			return apperrors.Wrap("coordinator", "AttachScope", err)
		}
	}

	c.metrics.SetActiveScopes(count)
	c.log.Info().Str("scope", scope.Key).Str("kind", string(scope.Kind)).Msg("scope attached")
	return nil
}

// DetachScope tears a scope down: cancels in-flight operations,
// unsubscribes, discards optimistic entries without rollback, prunes
// retained history, and resets the scope's timers.
func (c *Coordinator) DetachScope(scopeKey string) {
	c.mu.Lock()
	st, ok := c.scopes[scopeKey]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.scopes, scopeKey)
	count := len(c.scopes)
	c.mu.Unlock()

	st.cancel()
	if c.channel != nil {
		if err := c.channel.Unsubscribe(context.Background(), scopeKey); err != nil {
			c.log.Warn().Str("scope", scopeKey).Err(err).Msg("unsubscribe failed during teardown")
		}
	}
	discarded := st.store.DiscardOptimistic()
	st.store.Prune(c.now())
	c.gate.Detach(scopeKey)

	c.metrics.SetActiveScopes(count)
	c.log.Info().Str("scope", scopeKey).Int("discarded", discarded).Msg("scope detached")
}

// scopeFor returns the state for an attached scope key.
func (c *Coordinator) scopeFor(key string) (*scopeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.scopes[key]
	return st, ok
}

// scopeList returns the attached scope states.
func (c *Coordinator) scopeList() []*scopeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*scopeState, 0, len(c.scopes))
	for _, st := range c.scopes {
		out = append(out, st)
	}
	return out
}

// ScopeKeys returns the attached scope keys.
func (c *Coordinator) ScopeKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.scopes))
	for key := range c.scopes {
		keys = append(keys, key)
	}
	return keys
}

// Snapshot returns a deep copy of a scope's live state for renderers.
func (c *Coordinator) Snapshot(scopeKey string) (store.Snapshot, bool) {
	st, ok := c.scopeFor(scopeKey)
	if !ok {
		return store.Snapshot{}, false
	}
	return st.store.Snapshot(), true
}

// History returns a scope's terminal records still within retention,
// most recent first.
func (c *Coordinator) History(scopeKey string) []lifecycle.Entity {
	st, ok := c.scopeFor(scopeKey)
	if !ok {
		return nil
	}
	return st.store.History()
}

// Stats summarizes coordinator state for diagnostics.
type Stats struct {
	Running         bool              `json:"running"`
	Scopes          int               `json:"scopes"`
	TrackedEntities int               `json:"tracked_entities"`
	OptimisticCount int               `json:"optimistic_count"`
	Gate            limiter.GateStats `json:"gate"`
}

// Stats returns current coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	running := c.running
	states := make([]*scopeState, 0, len(c.scopes))
	for _, st := range c.scopes {
		states = append(states, st)
	}
	c.mu.RUnlock()

	s := Stats{
		Running: running,
		Scopes:  len(states),
		Gate:    c.gate.Stats(),
	}
	for _, st := range states {
		s.TrackedEntities += st.store.Len()
		s.OptimisticCount += st.store.OptimisticCount()
	}
	return s
}

// publish raises a domain event on the local bus and, when a channel is
// configured, pushes it to the scope so other coordinators converge.
func (c *Coordinator) publish(ctx context.Context, scopeKey string, eventType events.EventType, payload any, entityID string, version int64) {
	events.NewEvent(eventType).
		Scope(scopeKey).
		Entity(entityID, version).
		Payload(payload).
		PublishTo(c.bus)

	if c.channel == nil {
		return
	}
	if err := c.channel.Publish(ctx, scopeKey, eventType, payload); err != nil {
		c.log.Warn().Str("scope", scopeKey).Str("event", string(eventType)).Err(err).Msg("push publish failed")
	}
}

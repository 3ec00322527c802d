// Package limiter guards outbound refresh traffic. The Gate debounces
// per-channel fetches to a minimum interval, and PerKey bounds total
// outbound request volume with token buckets.
package limiter

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// GateConfig holds configuration for a fetch gate.
type GateConfig struct {
	// MinInterval is the minimum spacing between fetches on one channel.
	MinInterval time.Duration

	// InitialDelay is how long after attach the first fetch is held back,
	// so a burst of freshly mounted coordinators does not stampede.
	InitialDelay time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultGateConfig returns the default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinInterval:  5 * time.Second,
		InitialDelay: 1 * time.Second,
	}
}

// channelState tracks one coordination channel's fetch history.
type channelState struct {
	attachedAt  time.Time
	initialDone bool
	lastFetchAt time.Time
}

// Gate decides whether a refresh may go out on a channel right now. It
// never blocks and never queues: a suppressed caller simply skips the
// cycle and relies on the next scheduled or pushed trigger.
type Gate struct {
	mu       sync.Mutex
	cfg      GateConfig
	channels map[string]*channelState

	// Stats
	totalAllowed    int64
	totalSuppressed int64
}

// NewGate creates a fetch gate. Zero config fields take defaults.
func NewGate(cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		cfg:      cfg,
		channels: make(map[string]*channelState),
	}
}

// Attach registers a channel and starts its initial-delay window.
// Attaching an already attached channel is a no-op.
func (g *Gate) Attach(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.channels[key]; ok {
		return
	}
	g.channels[key] = &channelState{attachedAt: g.cfg.Now()}
}

// Detach drops all state for a channel.
func (g *Gate) Detach(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.channels, key)
}

// Allow reports whether a fetch may proceed on the channel now, and if so
// records it. The first fetch after attach is forced through once the
// initial delay has passed; after that the minimum interval applies.
func (g *Gate) Allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Now()
	st, ok := g.channels[key]
	if !ok {
		// Unattached channels fall back to plain interval gating.
		st = &channelState{attachedAt: now, initialDone: true}
		g.channels[key] = st
	}

	if !st.initialDone {
		if now.Sub(st.attachedAt) < g.cfg.InitialDelay {
			atomic.AddInt64(&g.totalSuppressed, 1)
			return false
		}
		st.initialDone = true
		st.lastFetchAt = now
		atomic.AddInt64(&g.totalAllowed, 1)
		return true
	}

	if !st.lastFetchAt.IsZero() && now.Sub(st.lastFetchAt) < g.cfg.MinInterval {
		atomic.AddInt64(&g.totalSuppressed, 1)
		return false
	}

	st.lastFetchAt = now
	atomic.AddInt64(&g.totalAllowed, 1)
	return true
}

// LastFetch returns when the channel last fetched, if ever.
func (g *Gate) LastFetch(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.channels[key]
	if !ok || st.lastFetchAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastFetchAt, true
}

// GateStats holds gate counters.
type GateStats struct {
	Channels        int   `json:"channels"`
	TotalAllowed    int64 `json:"total_allowed"`
	TotalSuppressed int64 `json:"total_suppressed"`
}

// Stats returns current gate statistics.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	channels := len(g.channels)
	g.mu.Unlock()

	return GateStats{
		Channels:        channels,
		TotalAllowed:    atomic.LoadInt64(&g.totalAllowed),
		TotalSuppressed: atomic.LoadInt64(&g.totalSuppressed),
	}
}

// PerKey provides token-bucket rate limiting per key (host, account).
type PerKey struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewPerKey creates a per-key limiter allowing requestsPerSecond with the
// given burst headroom.
func NewPerKey(requestsPerSecond int, burst int) *PerKey {
	return &PerKey{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// getLimiter returns the rate limiter for the given key.
func (p *PerKey) getLimiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, exists := p.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether the key may issue a request now.
func (p *PerKey) Allow(key string) bool {
	return p.getLimiter(key).Allow()
}

// Remove drops the limiter for a key.
func (p *PerKey) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, key)
}

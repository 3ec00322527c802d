package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/store"
)

// ScopeKind distinguishes the two coordination scope families.
type ScopeKind string

const (
	// ScopeStream tracks the co-host requests and memberships of one live
	// stream.
	ScopeStream ScopeKind = "stream"

	// ScopeCallInbox tracks the call requests involving one user.
	ScopeCallInbox ScopeKind = "calls"
)

// Scope identifies one coordination scope and the parties it belongs to.
type Scope struct {
	// Key is the wire identifier, also the push channel subscription key.
	Key string

	Kind ScopeKind

	// StreamID and HostID are set for stream scopes. HostID decides who
	// holds the target role for co-host actions.
	StreamID string
	HostID   string

	// OwnerID is set for call inbox scopes.
	OwnerID string
}

func streamKey(streamID string) string { return "stream:" + streamID }
func inboxKey(userID string) string    { return "calls:" + userID }

// StreamScope builds the scope for a live stream owned by hostID.
func StreamScope(streamID, hostID string) Scope {
	return Scope{
		Key:      streamKey(streamID),
		Kind:     ScopeStream,
		StreamID: streamID,
		HostID:   hostID,
	}
}

// CallInboxScope builds the call request inbox scope of a user.
func CallInboxScope(userID string) Scope {
	return Scope{
		Key:     inboxKey(userID),
		Kind:    ScopeCallInbox,
		OwnerID: userID,
	}
}

// Validate checks the scope definition.
func (s Scope) Validate() error {
	if s.Key == "" {
		return apperrors.RequiredError("scope.key")
	}
	switch s.Kind {
	case ScopeStream:
		if s.StreamID == "" {
			return apperrors.RequiredError("scope.streamId")
		}
		if s.HostID == "" {
			return apperrors.RequiredError("scope.hostId")
		}
	case ScopeCallInbox:
		if s.OwnerID == "" {
			return apperrors.RequiredError("scope.ownerId")
		}
	default:
		return apperrors.NewValidationError("scope.kind", "must be stream or calls")
	}
	return nil
}

// ErrReentrant rejects an operation submitted from inside another operation
// on the same scope. The per-scope queue is non-reentrant; a nested submit
// would deadlock on its own semaphore.
var ErrReentrant = fmt.Errorf("operation re-entered its scope queue: %w", apperrors.ErrValidation)

// scopeQueueKey marks a context as running inside a scope's queue.
type scopeQueueKey struct{}

// scopeState is everything the coordinator tracks for one attached scope.
type scopeState struct {
	scope Scope
	store *store.Store

	// sem admits one mutating operation at a time.
	sem   chan struct{}
	depth int32

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	attachedAt time.Time
	lastPushAt time.Time
	lastSyncAt time.Time

	// failNotified holds entity IDs whose final failure already reached
	// the notifier, so the rollback sweep does not report them twice.
	failNotified map[string]struct{}
}

func newScopeState(scope Scope, st *store.Store, now time.Time) *scopeState {
	ctx, cancel := context.WithCancel(context.Background())
	return &scopeState{
		scope:        scope,
		store:        st,
		sem:          make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		attachedAt:   now,
		failNotified: make(map[string]struct{}),
	}
}

func (st *scopeState) markPush(now time.Time) {
	st.mu.Lock()
	st.lastPushAt = now
	st.mu.Unlock()
}

func (st *scopeState) markSync(now time.Time) {
	st.mu.Lock()
	st.lastSyncAt = now
	st.mu.Unlock()
}

// lastActivity returns the most recent authoritative contact, or the attach
// time when the scope has never heard from the backend.
func (st *scopeState) lastActivity() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	latest := st.attachedAt
	if st.lastPushAt.After(latest) {
		latest = st.lastPushAt
	}
	if st.lastSyncAt.After(latest) {
		latest = st.lastSyncAt
	}
	return latest
}

func (st *scopeState) synced() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.lastSyncAt.IsZero()
}

func (st *scopeState) markFailNotified(entityID string) {
	st.mu.Lock()
	st.failNotified[entityID] = struct{}{}
	st.mu.Unlock()
}

// takeFailNotified consumes the marker, returning whether it was set.
func (st *scopeState) takeFailNotified(entityID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.failNotified[entityID]; !ok {
		return false
	}
	delete(st.failNotified, entityID)
	return true
}

// enqueue runs one mutating operation through the scope's queue: one
// in-flight operation per scope, reentrancy rejected, teardown cancelling
// both waiting and running operations.
func (c *Coordinator) enqueue(ctx context.Context, st *scopeState, operation string, fn func(context.Context) error) error {
	if key, ok := ctx.Value(scopeQueueKey{}).(string); ok && key == st.scope.Key {
		c.metrics.RecordQueueRejection("reentrant")
		return apperrors.Wrap("coordinator", operation, ErrReentrant)
	}

	depth := atomic.AddInt32(&st.depth, 1)
	c.metrics.RecordQueueDepth(st.scope.Key, int(depth))
	defer func() {
		c.metrics.RecordQueueDepth(st.scope.Key, int(atomic.AddInt32(&st.depth, -1)))
	}()

	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return apperrors.Wrap("coordinator", operation, fmt.Errorf("%v: %w", ctx.Err(), apperrors.ErrTransient))
	case <-st.ctx.Done():
		return apperrors.Wrap("coordinator", operation, apperrors.ErrScopeClosed)
	}
	defer func() { <-st.sem }()

	// Teardown may have won the semaphore race.
	select {
	case <-st.ctx.Done():
		return apperrors.Wrap("coordinator", operation, apperrors.ErrScopeClosed)
	default:
	}

	opCtx, cancel := context.WithCancel(context.WithValue(ctx, scopeQueueKey{}, st.scope.Key))
	defer cancel()
	stop := context.AfterFunc(st.ctx, cancel)
	defer stop()

	start := time.Now()
	err := fn(opCtx)
	c.metrics.RecordOperation(operation, time.Since(start), err)

	if err != nil {
		c.log.Debug().Str("scope", st.scope.Key).Str("operation", operation).Err(err).Msg("operation failed")
	} else {
		c.log.Debug().Str("scope", st.scope.Key).Str("operation", operation).Msg("operation done")
	}
	return err
}

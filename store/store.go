// Package store holds per-scope coordination state: optimistic local
// updates layered over server-confirmed records, reconciled by version.
// The store is pure bookkeeping; publishing events and deciding retries
// belong to the coordinator.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

// Config tunes a store instance. Zero values take defaults.
type Config struct {
	// ReconcileTimeout bounds how long an optimistic entry may wait for
	// server confirmation before it rolls back.
	ReconcileTimeout time.Duration

	// Retention keeps terminal records available for history display
	// before Prune removes them.
	Retention time.Duration

	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileTimeout: 10 * time.Second,
		Retention:        5 * time.Minute,
	}
}

func (c *Config) normalize() {
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// record is one tracked entity plus its optimistic bookkeeping.
type record struct {
	entity     lifecycle.Entity
	optimistic bool
	appliedAt  time.Time        // when the optimistic tag was set
	prior      lifecycle.Entity // committed state to restore; nil rolls back to absence
	role       lifecycle.Role   // acting role of the last applied transition
	terminalAt time.Time        // when the entity reached a terminal state
}

// Rollback describes one optimistic entry that timed out.
type Rollback struct {
	// Abandoned is the optimistic state that was never confirmed.
	Abandoned lifecycle.Entity

	// Restored is the committed state put back in place, or nil when the
	// optimistic insert had no prior and the record was removed.
	Restored lifecycle.Entity

	// Role is the actor role that applied the abandoned update.
	Role lifecycle.Role
}

// Snapshot is a deep copy of the store's live content for renderers.
type Snapshot struct {
	Scope          string
	TakenAt        time.Time
	CallRequests   []*lifecycle.CallRequest
	CoHostRequests []*lifecycle.CoHostRequest
	CoHosts        []*lifecycle.CoHostMembership
}

// Store tracks the entities of one coordination scope.
type Store struct {
	mu      sync.RWMutex
	scope   string
	cfg     Config
	records map[string]*record
}

// New creates a store for the given scope.
func New(scope string, cfg Config) *Store {
	cfg.normalize()
	return &Store{
		scope:   scope,
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Scope returns the coordination scope this store serves.
func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) now() time.Time {
	return s.cfg.Now()
}

// updateTerminal stamps or clears the terminal timestamp after a write.
func (s *Store) updateTerminal(rec *record, now time.Time) {
	if rec.entity.Terminal() {
		if rec.terminalAt.IsZero() {
			rec.terminalAt = now
		}
	} else {
		rec.terminalAt = time.Time{}
	}
}

// Get returns a copy of the entity with the given ID.
func (s *Store) Get(id string) (lifecycle.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.entity.Clone(), true
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// OptimisticCount returns the number of unconfirmed optimistic records.
func (s *Store) OptimisticCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.optimistic {
			n++
		}
	}
	return n
}

// LastRole returns the acting role recorded on the entity's last applied
// transition.
func (s *Store) LastRole(id string) (lifecycle.Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return "", false
	}
	return rec.role, true
}

// ApplyOptimistic inserts or updates an entity tagged optimistic,
// preserving the prior committed state for rollback. An insert with no
// prior rolls back to absence. Re-applying over an existing optimistic
// entry restarts the confirmation window but keeps the original rollback
// target. Returns the stored copy.
func (s *Store) ApplyOptimistic(entity lifecycle.Entity, role lifecycle.Role) lifecycle.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyOptimisticLocked(entity, role)
}

func (s *Store) applyOptimisticLocked(entity lifecycle.Entity, role lifecycle.Role) lifecycle.Entity {
	id := entity.EntityID()
	now := s.now()
	clone := entity.Clone()

	var prior lifecycle.Entity
	if rec, ok := s.records[id]; ok {
		if rec.optimistic {
			prior = rec.prior
		} else {
			prior = rec.entity
		}
	}

	rec := &record{
		entity:     clone,
		optimistic: true,
		appliedAt:  now,
		prior:      prior,
		role:       role,
	}
	s.updateTerminal(rec, now)
	s.records[id] = rec
	return clone.Clone()
}

// Reconcile merges one authoritative entity. Conflicts resolve by version,
// last write wins: an incoming update strictly older than the stored
// version is ignored. An equal-version update cannot confirm an optimistic
// entry; the echo predates the in-flight mutation. Returns true when the
// update was applied.
func (s *Store) Reconcile(entity lifecycle.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(entity)
}

func (s *Store) reconcileLocked(entity lifecycle.Entity) bool {
	id := entity.EntityID()
	now := s.now()

	rec, ok := s.records[id]
	if ok {
		stored := rec.entity.EntityVersion()
		incoming := entity.EntityVersion()
		if incoming < stored {
			return false
		}
		if rec.optimistic && incoming == stored {
			return false
		}
		rec.entity = entity.Clone()
		rec.optimistic = false
		rec.appliedAt = time.Time{}
		rec.prior = nil
		s.updateTerminal(rec, now)
		return true
	}

	rec = &record{
		entity: entity.Clone(),
		role:   lifecycle.RoleSystem,
	}
	s.updateTerminal(rec, now)
	s.records[id] = rec
	return true
}

// ReconcileSnapshot rebuilds the store from a full authoritative fetch.
// Live committed records absent from the snapshot are dropped; terminal
// records stay for history until pruned; optimistic entries are retained
// until confirmed or timed out.
func (s *Store) ReconcileSnapshot(entities []lifecycle.Entity) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool, len(entities))
	for _, e := range entities {
		present[e.EntityID()] = true
	}

	for id, rec := range s.records {
		if rec.optimistic || present[id] {
			continue
		}
		if !rec.terminalAt.IsZero() {
			continue
		}
		delete(s.records, id)
	}

	applied := 0
	for _, e := range entities {
		if s.reconcileLocked(e) {
			applied++
		}
	}
	return applied
}

// RollbackExpired reverts optimistic records that were not confirmed
// within the reconciliation timeout. Each entry rolls back exactly once;
// a second sweep finds nothing to do.
func (s *Store) RollbackExpired(now time.Time) []Rollback {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rolled []Rollback
	for id, rec := range s.records {
		if !rec.optimistic {
			continue
		}
		if now.Sub(rec.appliedAt) < s.cfg.ReconcileTimeout {
			continue
		}

		rb := Rollback{Abandoned: rec.entity, Role: rec.role}
		if rec.prior != nil {
			rec.entity = rec.prior
			rec.optimistic = false
			rec.appliedAt = time.Time{}
			rec.prior = nil
			s.updateTerminal(rec, now)
			rb.Restored = rec.entity.Clone()
		} else {
			delete(s.records, id)
		}
		rolled = append(rolled, rb)
	}
	return rolled
}

// RollbackNow reverts one optimistic record immediately, used when the
// server rejects the mutation outright. Returns false if the record does
// not exist or is not optimistic.
func (s *Store) RollbackNow(id string) (Rollback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || !rec.optimistic {
		return Rollback{}, false
	}

	rb := Rollback{Abandoned: rec.entity, Role: rec.role}
	if rec.prior != nil {
		rec.entity = rec.prior
		rec.optimistic = false
		rec.appliedAt = time.Time{}
		rec.prior = nil
		s.updateTerminal(rec, s.now())
		rb.Restored = rec.entity.Clone()
	} else {
		delete(s.records, id)
	}
	return rb, true
}

// DiscardOptimistic drops all optimistic entries without rollback
// notifications. Teardown path. Returns the number discarded.
func (s *Store) DiscardOptimistic() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, rec := range s.records {
		if !rec.optimistic {
			continue
		}
		count++
		if rec.prior != nil {
			rec.entity = rec.prior
			rec.optimistic = false
			rec.appliedAt = time.Time{}
			rec.prior = nil
			s.updateTerminal(rec, s.now())
		} else {
			delete(s.records, id)
		}
	}
	return count
}

// CapacityCount returns the number of active co-host memberships for the
// stream.
func (s *Store) CapacityCount(streamID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacityCountLocked(streamID)
}

func (s *Store) capacityCountLocked(streamID string) int {
	n := 0
	for _, rec := range s.records {
		m, ok := rec.entity.(*lifecycle.CoHostMembership)
		if !ok {
			continue
		}
		if m.StreamID == streamID && m.State == lifecycle.StatusActive {
			n++
		}
	}
	return n
}

// HasPendingCoHostRequest reports whether the requester already has a
// pending co-host request for the stream.
func (s *Store) HasPendingCoHostRequest(streamID, requesterID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		req, ok := rec.entity.(*lifecycle.CoHostRequest)
		if !ok {
			continue
		}
		if req.StreamID == streamID && req.RequesterID == requesterID && req.State == lifecycle.StatusPending {
			return true
		}
	}
	return false
}

// AcceptAndJoin performs the compound accept: transition the co-host
// request, check stream capacity, and insert the membership, all under one
// lock so two concurrent accepts can never both pass a stale count. The
// request transition and the membership insert are applied optimistically;
// a capacity refusal leaves the store unchanged.
func (s *Store) AcceptAndJoin(requestID string, role lifecycle.Role, maxCoHosts int) (*lifecycle.CoHostMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxCoHosts <= 0 {
		maxCoHosts = lifecycle.DefaultMaxCoHosts
	}

	rec, ok := s.records[requestID]
	if !ok {
		return nil, &apperrors.NotFoundError{Kind: "co_host_request", ID: requestID}
	}
	req, ok := rec.entity.(*lifecycle.CoHostRequest)
	if !ok {
		return nil, &apperrors.NotFoundError{Kind: "co_host_request", ID: requestID}
	}

	next, err := lifecycle.Transition(req, lifecycle.ActionAccept, role)
	if err != nil {
		return nil, err
	}

	if n := s.capacityCountLocked(req.StreamID); n >= maxCoHosts {
		return nil, fmt.Errorf("stream %s already has %d active co-hosts: %w",
			req.StreamID, n, apperrors.ErrCapacityExceeded)
	}

	now := s.now()
	accepted := req.Clone().(*lifecycle.CoHostRequest)
	accepted.State = next
	accepted.UpdatedAt = now
	s.applyOptimisticLocked(accepted, role)

	membership := lifecycle.NewCoHostMembership(req.StreamID, req.RequesterID, req.DisplayName, now)
	stored := s.applyOptimisticLocked(membership, role)
	return stored.(*lifecycle.CoHostMembership), nil
}

// Rekey promotes a client-generated optimistic ID to the server-issued ID.
// If a record under the new ID already arrived, the confirmed copy wins
// and the optimistic one is dropped. Returns false when oldID is unknown.
func (s *Store) Rekey(oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID == newID {
		_, ok := s.records[oldID]
		return ok
	}
	rec, ok := s.records[oldID]
	if !ok {
		return false
	}
	delete(s.records, oldID)
	if _, exists := s.records[newID]; exists {
		return true
	}

	setID := func(e lifecycle.Entity) {
		switch v := e.(type) {
		case *lifecycle.CallRequest:
			v.ID = newID
		case *lifecycle.CoHostRequest:
			v.ID = newID
		}
	}
	setID(rec.entity)
	if rec.prior != nil {
		setID(rec.prior)
	}
	s.records[newID] = rec
	return true
}

// Prune removes committed terminal records older than the retention
// window. Optimistic entries are left to the rollback sweep.
func (s *Store) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, rec := range s.records {
		if rec.optimistic || rec.terminalAt.IsZero() {
			continue
		}
		if now.Sub(rec.terminalAt) >= s.cfg.Retention {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned
}

// History returns terminal records still within retention, most recent
// first.
func (s *Store) History() []lifecycle.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type dated struct {
		entity lifecycle.Entity
		at     time.Time
	}
	var out []dated
	for _, rec := range s.records {
		if rec.terminalAt.IsZero() {
			continue
		}
		out = append(out, dated{rec.entity.Clone(), rec.terminalAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.After(out[j].at)
		}
		return out[i].entity.EntityID() < out[j].entity.EntityID()
	})

	entities := make([]lifecycle.Entity, len(out))
	for i, d := range out {
		entities[i] = d.entity
	}
	return entities
}

// Snapshot returns a deep copy of the live content: non-terminal requests
// and active memberships, in stable creation order.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Scope:   s.scope,
		TakenAt: s.now(),
	}
	for _, rec := range s.records {
		switch e := rec.entity.(type) {
		case *lifecycle.CallRequest:
			if !e.Terminal() {
				snap.CallRequests = append(snap.CallRequests, e.Clone().(*lifecycle.CallRequest))
			}
		case *lifecycle.CoHostRequest:
			if !e.Terminal() {
				snap.CoHostRequests = append(snap.CoHostRequests, e.Clone().(*lifecycle.CoHostRequest))
			}
		case *lifecycle.CoHostMembership:
			if e.State == lifecycle.StatusActive {
				snap.CoHosts = append(snap.CoHosts, e.Clone().(*lifecycle.CoHostMembership))
			}
		}
	}

	sort.Slice(snap.CallRequests, func(i, j int) bool {
		a, b := snap.CallRequests[i], snap.CallRequests[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
	sort.Slice(snap.CoHostRequests, func(i, j int) bool {
		a, b := snap.CoHostRequests[i], snap.CoHostRequests[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
	sort.Slice(snap.CoHosts, func(i, j int) bool {
		a, b := snap.CoHosts[i], snap.CoHosts[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.CoHostID < b.CoHostID
	})
	return snap
}

// PendingOlderThan returns pending requests whose RequestedAt precedes the
// cutoff. The reconciliation sweep expires them through the system actor.
func (s *Store) PendingOlderThan(cutoff time.Time) []lifecycle.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []lifecycle.Entity
	for _, rec := range s.records {
		switch e := rec.entity.(type) {
		case *lifecycle.CallRequest:
			if e.State == lifecycle.StatusPending && e.RequestedAt.Before(cutoff) {
				out = append(out, e.Clone())
			}
		case *lifecycle.CoHostRequest:
			if e.State == lifecycle.StatusPending && e.RequestedAt.Before(cutoff) {
				out = append(out, e.Clone())
			}
		}
	}
	return out
}

// ExpirePending expires committed pending requests older than the cutoff
// through the system actor. The write is committed, not optimistic: local
// expiry mirrors backend policy instead of awaiting confirmation, and a
// fresher server version still overwrites it. Optimistic entries are left
// to their own confirmation window. Returns the expired copies.
func (s *Store) ExpirePending(cutoff time.Time) []lifecycle.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []lifecycle.Entity
	for _, rec := range s.records {
		if rec.optimistic {
			continue
		}
		var requestedAt time.Time
		switch e := rec.entity.(type) {
		case *lifecycle.CallRequest:
			requestedAt = e.RequestedAt
		case *lifecycle.CoHostRequest:
			requestedAt = e.RequestedAt
		default:
			continue
		}
		if rec.entity.EntityStatus() != lifecycle.StatusPending || !requestedAt.Before(cutoff) {
			continue
		}

		next, err := lifecycle.Transition(rec.entity, lifecycle.ActionExpire, lifecycle.RoleSystem)
		if err != nil {
			continue
		}
		rec.entity.SetStatus(next)
		touch(rec.entity, now)
		rec.role = lifecycle.RoleSystem
		s.updateTerminal(rec, now)
		out = append(out, rec.entity.Clone())
	}
	return out
}

// ApplyTransition validates the action through the lifecycle graph and
// applies the result optimistically. Returns the updated copy.
func (s *Store) ApplyTransition(id string, action lifecycle.Action, role lifecycle.Role) (lifecycle.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &apperrors.NotFoundError{Kind: "entity", ID: id}
	}

	next, err := lifecycle.Transition(rec.entity, action, role)
	if err != nil {
		return nil, err
	}

	updated := rec.entity.Clone()
	updated.SetStatus(next)
	touch(updated, s.now())
	return s.applyOptimisticLocked(updated, role), nil
}

// touch stamps the local update time on an optimistic copy. The server
// overwrites it on confirmation.
func touch(e lifecycle.Entity, now time.Time) {
	switch v := e.(type) {
	case *lifecycle.CallRequest:
		v.UpdatedAt = now
	case *lifecycle.CoHostRequest:
		v.UpdatedAt = now
	case *lifecycle.CoHostMembership:
		v.UpdatedAt = now
	}
}

// Clear drops every record. Teardown path after prune.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
}

package coordinator

import (
	"context"
	"time"

	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

// sweepLoop drives the periodic reconciliation pass until Stop.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs one reconciliation pass over every attached scope:
// overdue optimistic entries roll back, stale pending requests expire,
// and scopes that need convergence refresh through the gate.
func (c *Coordinator) sweepOnce(ctx context.Context) {
	now := c.now()
	c.metrics.UpdateUptime()

	for _, st := range c.scopeList() {
		for _, rb := range st.store.RollbackExpired(now) {
			c.metrics.RecordRollback("timeout")
			id := rb.Abandoned.EntityID()
			c.log.Info().
				Str("scope", st.scope.Key).
				Str("entity", id).
				Str("role", string(rb.Role)).
				Msg("optimistic update never confirmed, rolled back")
			// Operations that already reported their failure marked the
			// entity; their rollback is silent.
			if !st.takeFailNotified(id) {
				c.notifier.Failure(st.scope.Key, "reconcile", id,
					"the server never confirmed the change, reverted", "")
			}
		}

		cutoff := now.Add(-c.cfg.PendingTTL)
		for _, ent := range st.store.ExpirePending(cutoff) {
			c.expireLocally(st, ent)
		}

		needsRefresh := !st.synced() ||
			st.store.OptimisticCount() > 0 ||
			now.Sub(st.lastActivity()) >= c.cfg.StalenessThreshold
		if needsRefresh {
			_ = c.refreshScope(ctx, st, false)
		}
	}
}

// expireLocally announces a locally expired pending request on the bus.
// Expiry is a projection of the server's own timeout, so nothing is
// published to the channel; the authoritative copy arrives on its own.
func (c *Coordinator) expireLocally(st *scopeState, ent lifecycle.Entity) {
	switch r := ent.(type) {
	case *lifecycle.CallRequest:
		c.metrics.RecordExpiry("call_request")
		events.NewEvent(events.EventCallRequestExpired).
			Scope(st.scope.Key).
			Entity(r.ID, r.Version).
			Payload(events.CallRequestUpdatePayload{RequestID: r.ID, Request: r}).
			PublishTo(c.bus)

	case *lifecycle.CoHostRequest:
		c.metrics.RecordExpiry("co_host_request")
		events.NewEvent(events.EventCoHostExpired).
			Scope(st.scope.Key).
			Entity(r.ID, r.Version).
			Payload(events.CoHostRejectedPayload{Request: r}).
			PublishTo(c.bus)
	}
	c.log.Info().
		Str("scope", st.scope.Key).
		Str("entity", ent.EntityID()).
		Msg("pending request expired locally")
}

// pruneAll drops terminal records past retention on every scope. Runs on
// the cron schedule.
func (c *Coordinator) pruneAll() {
	now := c.now()
	pruned := 0
	for _, st := range c.scopeList() {
		pruned += st.store.Prune(now)
	}
	if pruned > 0 {
		c.log.Debug().Int("records", pruned).Msg("retention prune")
	}
}

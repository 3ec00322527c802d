package coordinator

import (
	"encoding/json"

	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
	"github.com/CreoLive-Network/coordination_layer/realtime"
)

// handlePush reconciles one pushed event into its scope's store. Events
// carrying the full entity reconcile directly; bare events fall back to a
// gated refresh. Only pushes that changed local state are forwarded to
// the bus, which also swallows the echo of this instance's own publishes.
func (c *Coordinator) handlePush(ev realtime.PushEvent) {
	st, ok := c.scopeFor(ev.Scope)
	if !ok {
		// A late unsubscribe can race one last event in.
		c.log.Debug().Str("scope", ev.Scope).Str("event", string(ev.Type)).Msg("push for unattached scope dropped")
		return
	}
	st.markPush(c.now())

	entities, err := pushEntities(ev)
	if err != nil {
		c.metrics.RecordPushEvent(string(ev.Type), "malformed")
		c.log.Warn().Str("scope", ev.Scope).Str("event", string(ev.Type)).Err(err).Msg("push payload did not decode")
		return
	}

	if len(entities) == 0 {
		c.metrics.RecordPushEvent(string(ev.Type), "ignored")
		c.forwardPush(ev, nil)
		_ = c.refreshScope(st.ctx, st, false)
		return
	}

	applied := 0
	for _, ent := range entities {
		if st.store.Reconcile(ent) {
			applied++
		}
	}
	if applied == 0 {
		c.metrics.RecordPushEvent(string(ev.Type), "stale")
		return
	}
	c.metrics.RecordPushEvent(string(ev.Type), "applied")
	c.forwardPush(ev, entities[0])
}

// forwardPush raises a pushed event on the local bus.
func (c *Coordinator) forwardPush(ev realtime.PushEvent, entity lifecycle.Entity) {
	b := events.NewEvent(ev.Type).Scope(ev.Scope).Payload(json.RawMessage(ev.Payload))
	if entity != nil {
		b = b.Entity(entity.EntityID(), entity.EntityVersion())
	}
	b.PublishTo(c.bus)
}

// handleReconnect forces a refresh of every attached scope. Pushes missed
// during the outage cannot be replayed, so convergence must not wait out
// the gate interval.
func (c *Coordinator) handleReconnect() {
	c.metrics.RecordReconnect()
	states := c.scopeList()
	c.log.Info().Int("scopes", len(states)).Msg("push channel reconnected, refreshing scopes")
	for _, st := range states {
		go func(st *scopeState) {
			_ = c.refreshScope(st.ctx, st, true)
		}(st)
	}
}

// pushEntities extracts the lifecycle entities a push event carries, if
// any. The backend includes full entities on most events; older event
// producers send identifiers only.
func pushEntities(ev realtime.PushEvent) ([]lifecycle.Entity, error) {
	switch ev.Type {
	case events.EventCoHostRequest:
		var p events.CoHostRequestPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.Request != nil {
			return []lifecycle.Entity{p.Request}, nil
		}

	case events.EventCoHostAccepted:
		var p events.CoHostAcceptedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.Request != nil {
			return []lifecycle.Entity{p.Request}, nil
		}

	case events.EventCoHostRejected, events.EventCoHostExpired:
		var p events.CoHostRejectedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.Request != nil {
			return []lifecycle.Entity{p.Request}, nil
		}

	case events.EventCoHostJoined:
		var p events.CoHostJoinedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.CoHost != nil {
			return []lifecycle.Entity{p.CoHost}, nil
		}

	case events.EventCoHostLeft:
		var p events.CoHostLeftPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.CoHost != nil {
			return []lifecycle.Entity{p.CoHost}, nil
		}

	case events.EventCoHostRemoved:
		var p events.CoHostRemovedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.CoHost != nil {
			return []lifecycle.Entity{p.CoHost}, nil
		}

	case events.EventCallRequest:
		var p events.CallRequestPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.Request != nil {
			return []lifecycle.Entity{p.Request}, nil
		}

	case events.EventCallRequestAccepted, events.EventCallRequestDeclined,
		events.EventCallRequestExpired, events.EventCallRequestCompleted,
		events.EventCallRequestCancelled:
		var p events.CallRequestUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, err
		}
		if p.Request != nil {
			return []lifecycle.Entity{p.Request}, nil
		}
	}
	return nil, nil
}

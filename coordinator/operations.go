package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

// Decision is a response to a pending request. Call requests use accept
// and decline; co-host requests use accept and reject, with decline
// treated as reject.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionReject  Decision = "reject"
)

// localID creates a client-side optimistic identifier. Rekey promotes it
// to the server-issued ID once the create call returns.
func localID() string {
	return "local-" + uuid.NewString()
}

// RequestCall creates a paid call request from the local user to a
// creator. The request appears pending immediately; the store keeps it
// optimistic until a push event or poll carries the server's copy. The
// returned ID is the server-issued request ID.
func (c *Coordinator) RequestCall(ctx context.Context, requesterID, targetID string, serviceType lifecycle.ServiceType, priceQuoted int64) (string, error) {
	const op = "request_call"
	if requesterID != c.userID {
		return "", apperrors.Wrap("coordinator", op,
			fmt.Errorf("requester %s is not the local user: %w", requesterID, apperrors.ErrUnauthorized))
	}
	st, ok := c.scopeFor(inboxKey(c.userID))
	if !ok {
		return "", apperrors.Wrap("coordinator", op,
			fmt.Errorf("call inbox is not attached: %w", apperrors.ErrScopeClosed))
	}

	req := lifecycle.NewCallRequest(localID(), requesterID, targetID, serviceType, priceQuoted, c.now())
	if err := req.Validate(); err != nil {
		return "", apperrors.Wrap("coordinator", op, err)
	}

	// The balance check runs before anything is applied or sent, so an
	// underfunded request fails without an optimistic flicker.
	if c.balance != nil {
		balance, err := c.balance.Balance(ctx, requesterID)
		if err != nil {
			return "", apperrors.Wrap("coordinator", op,
				fmt.Errorf("balance lookup: %v: %w", err, apperrors.ErrTransient))
		}
		if balance < priceQuoted {
			return "", apperrors.Wrap("coordinator", op,
				fmt.Errorf("balance %d below quote %d: %w", balance, priceQuoted, apperrors.ErrInsufficientBalance))
		}
	}

	var serverID string
	err := c.enqueue(ctx, st, op, func(ctx context.Context) error {
		st.store.ApplyOptimistic(req, lifecycle.RoleRequester)
		c.metrics.RecordOptimisticApplied(op)

		if err := c.callBackend(ctx, st, op, req.ID, []string{req.ID}, func(ctx context.Context) error {
			id, err := c.client.CreateCallRequest(ctx, targetID, serviceType, priceQuoted)
			if err != nil {
				return err
			}
			serverID = id
			return nil
		}); err != nil {
			return err
		}

		st.store.Rekey(req.ID, serverID)
		sent, _ := st.store.Get(serverID)
		payload := events.CallRequestPayload{
			RequestID:   serverID,
			RequesterID: requesterID,
			TargetID:    targetID,
			ServiceType: string(serviceType),
		}
		var version int64
		if cr, ok := sent.(*lifecycle.CallRequest); ok {
			payload.Request = cr
			version = cr.Version
		}
		c.publish(ctx, inboxKey(targetID), events.EventCallRequest, payload, serverID, version)
		c.notifier.Success(st.scope.Key, op, req.ID, "call request sent")
		return nil
	})
	if err != nil {
		return "", err
	}
	return serverID, nil
}

// RespondToCallRequest accepts or declines a pending call request in the
// local user's inbox. Only the request's target may respond.
func (c *Coordinator) RespondToCallRequest(ctx context.Context, actorID, requestID string, decision Decision) error {
	const op = "respond_call"
	if actorID != c.userID {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("actor %s is not the local user: %w", actorID, apperrors.ErrUnauthorized))
	}
	st, ok := c.scopeFor(inboxKey(c.userID))
	if !ok {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("call inbox is not attached: %w", apperrors.ErrScopeClosed))
	}

	var action lifecycle.Action
	switch decision {
	case DecisionAccept:
		action = lifecycle.ActionAccept
	case DecisionDecline, DecisionReject:
		action = lifecycle.ActionDecline
	default:
		return apperrors.Wrap("coordinator", op,
			apperrors.NewValidationError("decision", "must be accept or decline"))
	}

	return c.enqueue(ctx, st, op, func(ctx context.Context) error {
		ent, ok := st.store.Get(requestID)
		if !ok {
			return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "call_request", ID: requestID})
		}
		req, ok := ent.(*lifecycle.CallRequest)
		if !ok {
			return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "call_request", ID: requestID})
		}
		role := lifecycle.ResolveRole(req, actorID, "")
		if role == "" {
			return apperrors.Wrap("coordinator", op,
				fmt.Errorf("%s is not a party to call request %s: %w", actorID, requestID, apperrors.ErrUnauthorized))
		}

		if _, err := st.store.ApplyTransition(requestID, action, role); err != nil {
			return apperrors.Wrap("coordinator", op, err)
		}
		c.metrics.RecordOptimisticApplied(op)

		respond := c.client.AcceptCallRequest
		eventType := events.EventCallRequestAccepted
		outcome := "call request accepted"
		if action == lifecycle.ActionDecline {
			respond = c.client.DeclineCallRequest
			eventType = events.EventCallRequestDeclined
			outcome = "call request declined"
		}
		if err := c.callBackend(ctx, st, op, requestID, []string{requestID}, func(ctx context.Context) error {
			return respond(ctx, requestID)
		}); err != nil {
			return err
		}

		payload := events.CallRequestUpdatePayload{RequestID: requestID}
		var version int64
		if updated, ok := st.store.Get(requestID); ok {
			if cr, ok := updated.(*lifecycle.CallRequest); ok {
				payload.Request = cr
				version = cr.Version
			}
		}
		c.publish(ctx, inboxKey(req.RequesterID), eventType, payload, requestID, version)
		c.notifier.Success(st.scope.Key, op, requestID, outcome)
		return nil
	})
}

// RequestCoHost asks to join a stream as co-host. The stream's scope must
// be attached. One pending request per requester per stream; a duplicate
// fails with ErrAlreadyRequested before anything is sent.
func (c *Coordinator) RequestCoHost(ctx context.Context, requesterID, streamID string) (string, error) {
	const op = "request_co_host"
	if requesterID != c.userID {
		return "", apperrors.Wrap("coordinator", op,
			fmt.Errorf("requester %s is not the local user: %w", requesterID, apperrors.ErrUnauthorized))
	}
	st, ok := c.scopeFor(streamKey(streamID))
	if !ok {
		return "", apperrors.Wrap("coordinator", op,
			fmt.Errorf("stream %s is not attached: %w", streamID, apperrors.ErrScopeClosed))
	}

	req := lifecycle.NewCoHostRequest(localID(), requesterID, streamID, c.cfg.DisplayName, c.now())
	if err := req.Validate(); err != nil {
		return "", apperrors.Wrap("coordinator", op, err)
	}

	var serverID string
	err := c.enqueue(ctx, st, op, func(ctx context.Context) error {
		// Checked inside the queue so two rapid taps serialize instead of
		// both passing.
		if st.store.HasPendingCoHostRequest(streamID, requesterID) {
			return apperrors.Wrap("coordinator", op,
				fmt.Errorf("pending co-host request on stream %s: %w", streamID, apperrors.ErrAlreadyRequested))
		}

		st.store.ApplyOptimistic(req, lifecycle.RoleRequester)
		c.metrics.RecordOptimisticApplied(op)

		if err := c.callBackend(ctx, st, op, req.ID, []string{req.ID}, func(ctx context.Context) error {
			id, err := c.client.RequestCoHost(ctx, streamID)
			if err != nil {
				return err
			}
			serverID = id
			return nil
		}); err != nil {
			return err
		}

		st.store.Rekey(req.ID, serverID)
		payload := events.CoHostRequestPayload{
			StreamID:      streamID,
			RequesterID:   requesterID,
			RequesterName: c.cfg.DisplayName,
		}
		var version int64
		if sent, ok := st.store.Get(serverID); ok {
			if chr, ok := sent.(*lifecycle.CoHostRequest); ok {
				payload.Request = chr
				version = chr.Version
			}
		}
		c.publish(ctx, st.scope.Key, events.EventCoHostRequest, payload, serverID, version)
		c.notifier.Success(st.scope.Key, op, req.ID, "co-host request sent")
		return nil
	})
	if err != nil {
		return "", err
	}
	return serverID, nil
}

// RespondToCoHostRequest accepts or rejects a pending co-host request on
// a stream the local user hosts. Accepting transitions the request and
// creates the active membership as one atomic step, refusing when the
// stream already runs at co-host capacity.
func (c *Coordinator) RespondToCoHostRequest(ctx context.Context, actorID, requestID string, decision Decision) error {
	const op = "respond_co_host"
	if actorID != c.userID {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("actor %s is not the local user: %w", actorID, apperrors.ErrUnauthorized))
	}

	st := c.findCoHostRequest(requestID)
	if st == nil {
		return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "co_host_request", ID: requestID})
	}

	switch decision {
	case DecisionAccept, DecisionDecline, DecisionReject:
	default:
		return apperrors.Wrap("coordinator", op,
			apperrors.NewValidationError("decision", "must be accept or reject"))
	}

	return c.enqueue(ctx, st, op, func(ctx context.Context) error {
		ent, ok := st.store.Get(requestID)
		if !ok {
			return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "co_host_request", ID: requestID})
		}
		req, ok := ent.(*lifecycle.CoHostRequest)
		if !ok {
			return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "co_host_request", ID: requestID})
		}
		role := lifecycle.ResolveRole(req, actorID, st.scope.HostID)
		if role == "" {
			return apperrors.Wrap("coordinator", op,
				fmt.Errorf("%s is not a party to co-host request %s: %w", actorID, requestID, apperrors.ErrUnauthorized))
		}

		if decision != DecisionAccept {
			if _, err := st.store.ApplyTransition(requestID, lifecycle.ActionReject, role); err != nil {
				return apperrors.Wrap("coordinator", op, err)
			}
			c.metrics.RecordOptimisticApplied(op)

			if err := c.callBackend(ctx, st, op, requestID, []string{requestID}, func(ctx context.Context) error {
				return c.client.RejectCoHost(ctx, requestID)
			}); err != nil {
				return err
			}

			payload := events.CoHostRejectedPayload{}
			var version int64
			if updated, ok := st.store.Get(requestID); ok {
				if chr, ok := updated.(*lifecycle.CoHostRequest); ok {
					payload.Request = chr
					version = chr.Version
				}
			}
			c.publish(ctx, st.scope.Key, events.EventCoHostRejected, payload, requestID, version)
			c.notifier.Success(st.scope.Key, op, requestID, "co-host request rejected")
			return nil
		}

		membership, err := st.store.AcceptAndJoin(requestID, role, c.cfg.MaxCoHosts)
		if err != nil {
			if apperrors.IsCapacityExceeded(err) {
				c.metrics.RecordCapacityRefusal()
			}
			return apperrors.Wrap("coordinator", op, err)
		}
		c.metrics.RecordOptimisticApplied(op)
		memberID := membership.EntityID()

		if err := c.callBackend(ctx, st, op, requestID, []string{requestID, memberID}, func(ctx context.Context) error {
			return c.client.AcceptCoHost(ctx, requestID)
		}); err != nil {
			return err
		}

		accepted := events.CoHostAcceptedPayload{StreamID: st.scope.StreamID}
		var version int64
		if updated, ok := st.store.Get(requestID); ok {
			if chr, ok := updated.(*lifecycle.CoHostRequest); ok {
				accepted.Request = chr
				version = chr.Version
			}
		}
		c.publish(ctx, st.scope.Key, events.EventCoHostAccepted, accepted, requestID, version)
		c.publish(ctx, st.scope.Key, events.EventCoHostJoined,
			events.CoHostJoinedPayload{StreamID: st.scope.StreamID, CoHost: membership},
			memberID, membership.Version)
		c.notifier.Success(st.scope.Key, op, requestID, "co-host request accepted")
		return nil
	})
}

// RemoveCoHost removes an active co-host from a stream the local user
// hosts. Co-hosts leaving on their own use LeaveCoHost.
func (c *Coordinator) RemoveCoHost(ctx context.Context, actorID, streamID, coHostID string) error {
	const op = "remove_co_host"
	if actorID != c.userID {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("actor %s is not the local user: %w", actorID, apperrors.ErrUnauthorized))
	}
	st, ok := c.scopeFor(streamKey(streamID))
	if !ok {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("stream %s is not attached: %w", streamID, apperrors.ErrScopeClosed))
	}

	return c.enqueue(ctx, st, op, func(ctx context.Context) error {
		return c.endMembership(ctx, st, op, streamID, coHostID, actorID, lifecycle.ActionRemove)
	})
}

// LeaveCoHost ends the local user's own active co-host membership.
func (c *Coordinator) LeaveCoHost(ctx context.Context, actorID, streamID string) error {
	const op = "leave_co_host"
	if actorID != c.userID {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("actor %s is not the local user: %w", actorID, apperrors.ErrUnauthorized))
	}
	st, ok := c.scopeFor(streamKey(streamID))
	if !ok {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("stream %s is not attached: %w", streamID, apperrors.ErrScopeClosed))
	}

	return c.enqueue(ctx, st, op, func(ctx context.Context) error {
		return c.endMembership(ctx, st, op, streamID, actorID, actorID, lifecycle.ActionLeave)
	})
}

// endMembership is the shared remove/leave path: transition the
// membership, tell the backend, announce the departure.
func (c *Coordinator) endMembership(ctx context.Context, st *scopeState, op, streamID, coHostID, actorID string, action lifecycle.Action) error {
	id := lifecycle.MembershipID(streamID, coHostID)
	ent, ok := st.store.Get(id)
	if !ok {
		return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "co_host", ID: id})
	}
	member, ok := ent.(*lifecycle.CoHostMembership)
	if !ok {
		return apperrors.Wrap("coordinator", op, &apperrors.NotFoundError{Kind: "co_host", ID: id})
	}
	role := lifecycle.ResolveRole(member, actorID, st.scope.HostID)
	if role == "" {
		return apperrors.Wrap("coordinator", op,
			fmt.Errorf("%s is not a party to membership %s: %w", actorID, id, apperrors.ErrUnauthorized))
	}

	if _, err := st.store.ApplyTransition(id, action, role); err != nil {
		return apperrors.Wrap("coordinator", op, err)
	}
	c.metrics.RecordOptimisticApplied(op)

	if err := c.callBackend(ctx, st, op, id, []string{id}, func(ctx context.Context) error {
		return c.client.RemoveCoHost(ctx, coHostID, streamID)
	}); err != nil {
		return err
	}

	eventType := events.EventCoHostRemoved
	outcome := "co-host removed"
	if action == lifecycle.ActionLeave {
		eventType = events.EventCoHostLeft
		outcome = "left co-hosting"
	}

	var ended *lifecycle.CoHostMembership
	var version int64
	if updated, ok := st.store.Get(id); ok {
		if m, ok := updated.(*lifecycle.CoHostMembership); ok {
			ended = m
			version = m.Version
		}
	}
	if action == lifecycle.ActionLeave {
		c.publish(ctx, st.scope.Key, eventType,
			events.CoHostLeftPayload{StreamID: streamID, CoHostID: coHostID, CoHost: ended}, id, version)
	} else {
		c.publish(ctx, st.scope.Key, eventType,
			events.CoHostRemovedPayload{StreamID: streamID, CoHostID: coHostID, CoHost: ended}, id, version)
	}
	c.notifier.Success(st.scope.Key, op, id, outcome)
	return nil
}

// findCoHostRequest locates the attached stream scope holding a co-host
// request. Responses name only the request ID; the scope is implied.
func (c *Coordinator) findCoHostRequest(requestID string) *scopeState {
	for _, st := range c.scopeList() {
		if st.scope.Kind != ScopeStream {
			continue
		}
		if ent, ok := st.store.Get(requestID); ok {
			if _, ok := ent.(*lifecycle.CoHostRequest); ok {
				return st
			}
		}
	}
	return nil
}

// Refresh polls the backend for a scope's authoritative state and
// reconciles it into the store. The per-scope gate coalesces bursts: a
// suppressed call returns nil without touching the network.
func (c *Coordinator) Refresh(ctx context.Context, scopeKey string) error {
	st, ok := c.scopeFor(scopeKey)
	if !ok {
		return apperrors.Wrap("coordinator", "refresh",
			fmt.Errorf("scope %s is not attached: %w", scopeKey, apperrors.ErrScopeClosed))
	}
	return c.refreshScope(ctx, st, false)
}

// refreshScope fetches and reconciles one scope. force bypasses the gate
// verdict after reconnects, when convergence cannot wait out the
// interval.
func (c *Coordinator) refreshScope(ctx context.Context, st *scopeState, force bool) error {
	allowed := c.gate.Allow(st.scope.Key)
	c.metrics.RecordRefresh(allowed || force)
	if !allowed && !force {
		return nil
	}

	entities, err := c.fetchScope(ctx, st.scope)
	if err != nil {
		c.log.Warn().Str("scope", st.scope.Key).Err(err).Msg("refresh failed")
		return apperrors.Wrap("coordinator", "refresh", err)
	}
	applied := st.store.ReconcileSnapshot(entities)
	st.markSync(c.now())
	c.log.Debug().
		Str("scope", st.scope.Key).
		Int("fetched", len(entities)).
		Int("applied", applied).
		Msg("refresh reconciled")
	return nil
}

// fetchScope pulls the authoritative entities for one scope.
func (c *Coordinator) fetchScope(ctx context.Context, scope Scope) ([]lifecycle.Entity, error) {
	switch scope.Kind {
	case ScopeCallInbox:
		reqs, err := c.client.ListCallRequests(ctx, "")
		if err != nil {
			return nil, err
		}
		out := make([]lifecycle.Entity, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, r)
		}
		return out, nil

	case ScopeStream:
		members, err := c.client.ListCoHosts(ctx, scope.StreamID)
		if err != nil {
			return nil, err
		}
		reqs, err := c.client.ListCoHostRequests(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]lifecycle.Entity, 0, len(members)+len(reqs))
		for _, m := range members {
			out = append(out, m)
		}
		for _, r := range reqs {
			if r.StreamID == scope.StreamID {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return nil, nil
}

// callBackend runs one backend call with the coordinator retry loop.
// Transient failures retry up to MaxAttempts with backoff; the first
// retry emits a single retrying notification. On a final transient
// failure the optimistic entries stay for the reconcile timeout to
// settle, since the request may have reached the server; an explicit
// rejection rolls them back immediately. Cancellation reports nothing:
// teardown discards state separately.
func (c *Coordinator) callBackend(ctx context.Context, st *scopeState, operation, operationID string, rollbackIDs []string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordOperationRetry(operation)
			c.notifier.Retrying(st.scope.Key, operation, operationID,
				"temporary problem reaching the server, retrying", string(apperrors.CodeFor(err)))
			if sleepErr := c.backoff.Sleep(ctx, attempt); sleepErr != nil {
				err = fmt.Errorf("%v: %w", sleepErr, apperrors.ErrTransient)
				break
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			break
		}
	}

	if ctx.Err() != nil {
		c.notifier.ClearOperation(operationID)
		return apperrors.Wrap("coordinator", operation, err)
	}

	if apperrors.IsTransient(err) {
		// The request may have reached the server, so the optimistic
		// entries stay until the reconcile timeout settles them. Mark
		// them so that rollback is not reported a second time.
		for _, id := range rollbackIDs {
			st.markFailNotified(id)
		}
		c.notifier.Failure(st.scope.Key, operation, operationID,
			"could not reach the server", string(apperrors.CodeFor(err)))
		return apperrors.Wrap("coordinator", operation, err)
	}

	for _, id := range rollbackIDs {
		if _, ok := st.store.RollbackNow(id); ok {
			c.metrics.RecordRollback("rejected")
		}
	}
	c.notifier.Failure(st.scope.Key, operation, operationID,
		"the server rejected the request", string(apperrors.CodeFor(err)))
	return apperrors.Wrap("coordinator", operation, err)
}

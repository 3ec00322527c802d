package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/internal/backendtest"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
	"github.com/CreoLive-Network/coordination_layer/realtime"
)

// publisher returns a bare hub endpoint for injecting push events, as a
// backend push producer would.
func (h *harness) publisher(t *testing.T) *realtime.LoopbackChannel {
	t.Helper()
	pub := h.hub.Channel()
	t.Cleanup(func() { _ = pub.Close() })
	return pub
}

func TestPushLastWriteWins(t *testing.T) {
	h := newHarness(t, "host-1")
	h.backend.SeedStream("s1", "host-1")
	h.attach(t, StreamScope("s1", "host-1"))
	pub := h.publisher(t)

	member := func(version int64, name string) *lifecycle.CoHostMembership {
		now := h.clk.Now()
		return &lifecycle.CoHostMembership{
			StreamID:    "s1",
			CoHostID:    "bob",
			DisplayName: name,
			JoinedAt:    now,
			State:       lifecycle.StatusActive,
			Version:     version,
			UpdatedAt:   now,
		}
	}
	joined := func(m *lifecycle.CoHostMembership) {
		require.NoError(t, pub.Publish(context.Background(), "stream:s1",
			events.EventCoHostJoined, events.CoHostJoinedPayload{StreamID: "s1", CoHost: m}))
	}

	joined(member(2, "Bob"))
	snap := h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHosts, 1)
	assert.Equal(t, int64(2), snap.CoHosts[0].Version)

	// An older version arriving late must not regress the record.
	joined(member(1, "Stale Bob"))
	snap = h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHosts, 1)
	assert.Equal(t, int64(2), snap.CoHosts[0].Version)
	assert.Equal(t, "Bob", snap.CoHosts[0].DisplayName)

	joined(member(3, "Newer Bob"))
	snap = h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHosts, 1)
	assert.Equal(t, int64(3), snap.CoHosts[0].Version)
	assert.Equal(t, "Newer Bob", snap.CoHosts[0].DisplayName)

	// Only the two state-changing pushes reached the bus.
	assert.Len(t, h.bus.RecentByType(events.EventCoHostJoined, 10), 2)
}

func TestPushEqualVersionCannotConfirmOptimistic(t *testing.T) {
	h := newHarness(t, "bob")
	h.backend.SeedStream("s1", "host-1")
	h.attach(t, StreamScope("s1", "host-1"))
	pub := h.publisher(t)

	id, err := h.coord.RequestCoHost(context.Background(), "bob", "s1")
	require.NoError(t, err)
	require.Equal(t, 1, h.coord.Stats().OptimisticCount)

	snap := h.snapshot(t, "stream:s1")
	require.Len(t, snap.CoHostRequests, 1)
	echo := snap.CoHostRequests[0]
	require.Equal(t, id, echo.ID)

	// An echo at the same version proves nothing about the server.
	require.NoError(t, pub.Publish(context.Background(), "stream:s1",
		events.EventCoHostRequest, events.CoHostRequestPayload{
			StreamID: "s1", RequesterID: "bob", Request: echo,
		}))
	assert.Equal(t, 1, h.coord.Stats().OptimisticCount)

	// A strictly newer version is the server speaking.
	confirmed := echo.Clone().(*lifecycle.CoHostRequest)
	confirmed.Version = 1
	require.NoError(t, pub.Publish(context.Background(), "stream:s1",
		events.EventCoHostRequest, events.CoHostRequestPayload{
			StreamID: "s1", RequesterID: "bob", Request: confirmed,
		}))
	assert.Equal(t, 0, h.coord.Stats().OptimisticCount)
}

func TestCrossCoordinatorHandshake(t *testing.T) {
	backend := backendtest.New()
	t.Cleanup(backend.Close)
	hub := realtime.NewHub()
	host := newHarnessOn(t, "host-1", backend, hub)
	bob := newHarnessOn(t, "bob", backend, hub)

	backend.SeedStream("s1", "host-1")
	host.attach(t, StreamScope("s1", "host-1"))
	bob.attach(t, StreamScope("s1", "host-1"))

	// Bob asks; the host sees the request through the push channel alone.
	id, err := bob.coord.RequestCoHost(context.Background(), "bob", "s1")
	require.NoError(t, err)

	hostSnap := host.snapshot(t, "stream:s1")
	require.Len(t, hostSnap.CoHostRequests, 1)
	assert.Equal(t, id, hostSnap.CoHostRequests[0].ID)
	assert.Len(t, host.bus.RecentByType(events.EventCoHostRequest, 10), 1)

	require.NoError(t, host.coord.RespondToCoHostRequest(context.Background(), "host-1", id, DecisionAccept))

	// The host's joined push hands bob the membership immediately; the
	// polls then confirm both sides against the server's versions.
	bobSnap := bob.snapshot(t, "stream:s1")
	require.Len(t, bobSnap.CoHosts, 1)
	assert.Equal(t, "bob", bobSnap.CoHosts[0].CoHostID)

	bob.refresh(t, "stream:s1")
	host.refresh(t, "stream:s1")

	assert.Equal(t, 0, bob.coord.Stats().OptimisticCount)
	assert.Equal(t, 0, host.coord.Stats().OptimisticCount)
	assert.Empty(t, bob.snapshot(t, "stream:s1").CoHostRequests)
	assert.Len(t, host.snapshot(t, "stream:s1").CoHosts, 1)
	assert.Equal(t, 1, backend.ActiveCoHosts("s1"))
}

func TestRefreshGateCoalesces(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))
	h.clk.Advance(2 * time.Second)

	for i := 0; i < 10; i++ {
		require.NoError(t, h.coord.Refresh(context.Background(), "calls:alice"))
	}
	assert.Equal(t, 1, h.backend.Hits("GET", "/sessions/requests"), "burst collapsed to one fetch")

	// Once the interval passes, the next refresh goes through.
	h.clk.Advance(2 * time.Second)
	require.NoError(t, h.coord.Refresh(context.Background(), "calls:alice"))
	assert.Equal(t, 2, h.backend.Hits("GET", "/sessions/requests"))
}

func TestSweepExpiresPendingLocally(t *testing.T) {
	// A wide gate interval keeps the sweep's own refresh from re-reading
	// the server copy while the local expiry is asserted.
	h := newHarness(t, "host-1", func(cfg *Config) {
		cfg.Gate.MinInterval = 10 * time.Minute
	})
	h.backend.SeedStream("s1", "host-1")
	h.backend.SeedCoHostRequest("s1", "bob")
	h.attach(t, StreamScope("s1", "host-1"))
	h.refresh(t, "stream:s1")
	require.Len(t, h.snapshot(t, "stream:s1").CoHostRequests, 1)

	h.clk.Advance(3 * time.Minute)
	h.coord.sweepOnce(context.Background())

	assert.Empty(t, h.snapshot(t, "stream:s1").CoHostRequests)
	history := h.coord.History("stream:s1")
	require.Len(t, history, 1)
	assert.Equal(t, lifecycle.StatusExpired, history[0].EntityStatus())
	assert.Len(t, h.bus.RecentByType(events.EventCoHostExpired, 10), 1)
}

func TestReconnectForcesRefresh(t *testing.T) {
	h := newHarness(t, "alice")
	h.attach(t, CallInboxScope("alice"))
	h.refresh(t, "calls:alice")
	require.Equal(t, 1, h.backend.Hits("GET", "/sessions/requests"))

	// Within the interval the gate suppresses a plain refresh.
	require.NoError(t, h.coord.Refresh(context.Background(), "calls:alice"))
	require.Equal(t, 1, h.backend.Hits("GET", "/sessions/requests"))

	// A reconnect cannot wait: pushes may have been missed.
	h.channel.FireReconnect()
	require.Eventually(t, func() bool {
		return h.backend.Hits("GET", "/sessions/requests") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWireAliasReachesStore(t *testing.T) {
	h := newHarness(t, "creator-1")
	h.attach(t, CallInboxScope("creator-1"))
	pub := h.publisher(t)

	now := h.clk.Now()
	req := &lifecycle.CallRequest{
		ID:          "call-9",
		RequesterID: "alice",
		TargetID:    "creator-1",
		ServiceType: lifecycle.ServiceVideo,
		PriceQuoted: 50,
		RequestedAt: now,
		State:       lifecycle.StatusPending,
		Version:     1,
		UpdatedAt:   now,
	}

	// Legacy producers still emit session_request_* wire names.
	require.NoError(t, pub.Publish(context.Background(), "calls:creator-1",
		events.EventType("session_request"), events.CallRequestPayload{
			RequestID:   req.ID,
			RequesterID: req.RequesterID,
			TargetID:    req.TargetID,
			ServiceType: string(req.ServiceType),
			Request:     req,
		}))

	snap := h.snapshot(t, "calls:creator-1")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, lifecycle.StatusPending, snap.CallRequests[0].State)

	accepted := req.Clone().(*lifecycle.CallRequest)
	accepted.State = lifecycle.StatusAccepted
	accepted.Version = 2
	require.NoError(t, pub.Publish(context.Background(), "calls:creator-1",
		events.EventType("session_request_accepted"), events.CallRequestUpdatePayload{
			RequestID: accepted.ID,
			Request:   accepted,
		}))

	snap = h.snapshot(t, "calls:creator-1")
	require.Len(t, snap.CallRequests, 1)
	assert.Equal(t, lifecycle.StatusAccepted, snap.CallRequests[0].State)
	assert.Equal(t, int64(2), snap.CallRequests[0].Version)

	// The bus sees the canonical type, not the wire alias.
	assert.Len(t, h.bus.RecentByType(events.EventCallRequestAccepted, 10), 1)
}

package config

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CreoLive-Network/coordination_layer/coordinator"
	"github.com/CreoLive-Network/coordination_layer/realtime"
)

func TestComponentConfigsFromSections(t *testing.T) {
	cfg := Default()
	cfg.User.ID = "user-1"
	cfg.User.DisplayName = "User One"
	cfg.Transport.BaseURL = "https://api.example.com"
	cfg.Transport.Token = "tok-1"
	cfg.Transport.Timeout = 7 * time.Second
	cfg.Transport.MaxRetries = 4
	cfg.Limiter.MinInterval = 9 * time.Second
	cfg.Store.Retention = time.Minute
	cfg.Coordinator.MaxCoHosts = 2
	cfg.Coordinator.PendingTTL = 90 * time.Second

	tc := cfg.ClientConfig()
	if tc.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", tc.BaseURL)
	}
	if tc.Timeout != 7*time.Second || tc.MaxRetries != 4 {
		t.Errorf("Timeout = %v, MaxRetries = %d", tc.Timeout, tc.MaxRetries)
	}
	if tc.Tokens == nil {
		t.Fatal("token provider not built from transport.token")
	}
	token, err := tc.Tokens.Token(context.Background())
	if err != nil || token != "tok-1" {
		t.Errorf("Token = %q, %v", token, err)
	}

	gc := cfg.GateConfig()
	if gc.MinInterval != 9*time.Second {
		t.Errorf("MinInterval = %v", gc.MinInterval)
	}
	if gc.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want the 1s default", gc.InitialDelay)
	}

	sc := cfg.StoreConfig()
	if sc.Retention != time.Minute {
		t.Errorf("Retention = %v", sc.Retention)
	}
	if sc.ReconcileTimeout != 10*time.Second {
		t.Errorf("ReconcileTimeout = %v, want the 10s default", sc.ReconcileTimeout)
	}

	cc := cfg.CoordinatorConfig(nil, nil)
	if cc.UserID != "user-1" || cc.DisplayName != "User One" {
		t.Errorf("identity = %q/%q", cc.UserID, cc.DisplayName)
	}
	if cc.MaxCoHosts != 2 || cc.PendingTTL != 90*time.Second {
		t.Errorf("MaxCoHosts = %d, PendingTTL = %v", cc.MaxCoHosts, cc.PendingTTL)
	}
	if cc.Gate.MinInterval != 9*time.Second || cc.Store.Retention != time.Minute {
		t.Errorf("nested sections not carried: gate %v, store %v", cc.Gate.MinInterval, cc.Store.Retention)
	}
	if cc.PruneSchedule != "@every 1m" {
		t.Errorf("PruneSchedule = %q", cc.PruneSchedule)
	}
}

func TestPushChannelProviderSwitch(t *testing.T) {
	cfg := Default()

	cfg.Realtime.Provider = ProviderNone
	channel, err := cfg.NewPushChannel(zerolog.Nop())
	if err != nil || channel != nil {
		t.Errorf("none provider = %T, %v, want nil channel", channel, err)
	}

	cfg.Realtime.Provider = ProviderWebsocket
	cfg.Realtime.URL = "ws://localhost:4000/socket"
	channel, err = cfg.NewPushChannel(zerolog.Nop())
	if err != nil {
		t.Fatalf("websocket provider: %v", err)
	}
	if _, ok := channel.(*realtime.WebsocketClient); !ok {
		t.Errorf("websocket provider built %T", channel)
	}

	cfg.Realtime.Provider = ProviderRedis
	cfg.Redis.Addr = "127.0.0.1:6399"
	channel, err = cfg.NewPushChannel(zerolog.Nop())
	if err != nil {
		t.Fatalf("redis provider: %v", err)
	}
	if _, ok := channel.(*realtime.RedisChannel); !ok {
		t.Errorf("redis provider built %T", channel)
	}
	channel.Close()

	cfg.Realtime.Provider = "carrier-pigeon"
	if _, err := cfg.NewPushChannel(zerolog.Nop()); err == nil {
		t.Error("unknown provider accepted")
	}
}

// A loaded file assembles into a working coordinator: client, channel
// selection, notifier, and metrics all wired from their sections.
func TestCoordinatorFromConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
user:
  id: user-1
transport:
  base_url: https://api.example.com
realtime:
  provider: none
logging:
  level: error
metrics:
  enabled: true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	coord, channel, err := cfg.NewCoordinator(nil, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer coord.Close()
	if channel != nil {
		t.Errorf("none provider produced a channel: %T", channel)
	}

	if err := coord.AttachScope(context.Background(), coordinator.StreamScope("s1", "user-1")); err != nil {
		t.Fatalf("AttachScope: %v", err)
	}
	snap, ok := coord.Snapshot("stream:s1")
	if !ok {
		t.Fatal("attached scope has no snapshot")
	}
	if snap.Scope != "stream:s1" {
		t.Errorf("snapshot scope = %q", snap.Scope)
	}
	if stats := coord.Stats(); stats.Scopes != 1 {
		t.Errorf("Scopes = %d, want 1", stats.Scopes)
	}
}

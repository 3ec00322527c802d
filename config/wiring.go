package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/CreoLive-Network/coordination_layer/coordinator"
	"github.com/CreoLive-Network/coordination_layer/events"
	"github.com/CreoLive-Network/coordination_layer/limiter"
	"github.com/CreoLive-Network/coordination_layer/metrics"
	"github.com/CreoLive-Network/coordination_layer/notify"
	"github.com/CreoLive-Network/coordination_layer/realtime"
	"github.com/CreoLive-Network/coordination_layer/store"
	"github.com/CreoLive-Network/coordination_layer/transport"
)

// ClientConfig returns the transport client configuration described by
// the transport section.
func (c *Config) ClientConfig() transport.Config {
	cfg := transport.Config{
		BaseURL:    c.Transport.BaseURL,
		Timeout:    c.Transport.Timeout,
		MaxRetries: c.Transport.MaxRetries,
	}
	if c.Transport.Token != "" {
		cfg.Tokens = transport.NewStaticTokenProvider(c.Transport.Token)
	}
	return cfg
}

// GateConfig returns the refresh gate configuration described by the
// limiter section.
func (c *Config) GateConfig() limiter.GateConfig {
	return limiter.GateConfig{
		MinInterval:  c.Limiter.MinInterval,
		InitialDelay: c.Limiter.InitialDelay,
	}
}

// StoreConfig returns the entity store configuration described by the
// store section.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		ReconcileTimeout: c.Store.ReconcileTimeout,
		Retention:        c.Store.Retention,
	}
}

// CoordinatorConfig assembles the coordinator configuration from the
// user, limiter, store, and coordinator sections. Bus, Balance,
// Notifier, Metrics, and Logger stay zero for the caller to attach.
func (c *Config) CoordinatorConfig(client *transport.Client, channel realtime.PushChannel) coordinator.Config {
	return coordinator.Config{
		UserID:             c.User.ID,
		DisplayName:        c.User.DisplayName,
		Client:             client,
		Channel:            channel,
		MaxCoHosts:         c.Coordinator.MaxCoHosts,
		MaxAttempts:        c.Coordinator.MaxAttempts,
		Gate:               c.GateConfig(),
		Store:              c.StoreConfig(),
		PendingTTL:         c.Coordinator.PendingTTL,
		SweepInterval:      c.Coordinator.SweepInterval,
		StalenessThreshold: c.Coordinator.StalenessThreshold,
		PruneSchedule:      c.Coordinator.PruneSchedule,
	}
}

// NewPushChannel builds the push channel selected by realtime.provider.
// The none provider returns a nil channel, which leaves the coordinator
// converging through polls alone.
func (c *Config) NewPushChannel(logger zerolog.Logger) (realtime.PushChannel, error) {
	switch c.Realtime.Provider {
	case ProviderWebsocket:
		cfg := realtime.WebsocketConfig{
			URL:                  c.Realtime.URL,
			HeartbeatInterval:    c.Realtime.HeartbeatInterval,
			MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts,
			Logger:               logger,
		}
		if c.Transport.Token != "" {
			cfg.Tokens = transport.NewStaticTokenProvider(c.Transport.Token)
		}
		return realtime.NewWebsocketClient(cfg), nil
	case ProviderRedis:
		return realtime.NewRedisChannel(realtime.RedisConfig{
			Addr:         c.Redis.Addr,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			Prefix:       c.Redis.Prefix,
			PingInterval: c.Redis.PingInterval,
			Logger:       logger,
		}), nil
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("realtime.provider %q is not one of websocket, redis, none", c.Realtime.Provider)
	}
}

// NewCoordinator assembles a ready-to-start coordinator from the loaded
// configuration: transport client, push channel, notifier, and metrics
// collector. The returned channel is the one the coordinator listens
// on; websocket channels still need Connect before scopes attach, and
// the none provider returns nil. Bus and balance may be nil.
func (c *Config) NewCoordinator(bus events.Bus, balance coordinator.BalanceProvider) (*coordinator.Coordinator, realtime.PushChannel, error) {
	logger := c.NewLogger()

	var collector metrics.MetricsCollector
	if c.Metrics.Enabled {
		collector = metrics.NewCollector(c.Metrics.Namespace)
	}

	channel, err := c.NewPushChannel(logger)
	if err != nil {
		return nil, nil, err
	}

	clientCfg := c.ClientConfig()
	clientCfg.Logger = logger
	client := transport.NewClient(clientCfg)

	if bus == nil {
		bus = events.NoOpBus{}
	}
	notifier := notify.NewNotifier(notify.NotifierConfig{
		Sink:    notify.NewBusSink(bus),
		Logger:  logger,
		Metrics: collector,
	})

	cfg := c.CoordinatorConfig(client, channel)
	cfg.Bus = bus
	cfg.Balance = balance
	cfg.Notifier = notifier
	cfg.Metrics = collector
	cfg.Logger = logger

	coord, err := coordinator.New(cfg)
	if err != nil {
		if channel != nil {
			channel.Close()
		}
		return nil, nil, err
	}
	return coord, channel, nil
}

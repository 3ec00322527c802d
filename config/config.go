// Package config loads coordination layer configuration from YAML with
// environment overrides. Precedence is environment, then file, then
// defaults, so deployments can pin a base file and tune per-instance
// behavior through the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Realtime providers.
const (
	ProviderWebsocket = "websocket"
	ProviderRedis     = "redis"
	ProviderNone      = "none"
)

// Config is the full coordination layer configuration.
type Config struct {
	User        UserConfig        `yaml:"user"`
	Transport   TransportConfig   `yaml:"transport"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Redis       RedisConfig       `yaml:"redis"`
	Limiter     LimiterConfig     `yaml:"limiter"`
	Store       StoreConfig       `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// UserConfig identifies the local user the coordinator acts as.
type UserConfig struct {
	ID          string `yaml:"id" env:"COORDINATION_USER_ID"`
	DisplayName string `yaml:"display_name" env:"COORDINATION_USER_NAME"`
}

// TransportConfig configures the HTTP backend client.
type TransportConfig struct {
	BaseURL    string        `yaml:"base_url" env:"COORDINATION_API_URL"`
	Token      string        `yaml:"token" env:"COORDINATION_API_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"COORDINATION_API_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"COORDINATION_API_MAX_RETRIES"`
}

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	Provider             string        `yaml:"provider" env:"COORDINATION_REALTIME_PROVIDER"`
	URL                  string        `yaml:"url" env:"COORDINATION_WS_URL"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"COORDINATION_WS_HEARTBEAT"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"COORDINATION_WS_MAX_RECONNECTS"`
}

// RedisConfig configures the Redis push channel provider.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"COORDINATION_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"COORDINATION_REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"COORDINATION_REDIS_DB"`
	Prefix       string        `yaml:"prefix" env:"COORDINATION_REDIS_PREFIX"`
	PingInterval time.Duration `yaml:"ping_interval" env:"COORDINATION_REDIS_PING_INTERVAL"`
}

// LimiterConfig configures the refresh rate gate.
type LimiterConfig struct {
	MinInterval  time.Duration `yaml:"min_interval" env:"COORDINATION_REFRESH_MIN_INTERVAL"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"COORDINATION_REFRESH_INITIAL_DELAY"`
}

// StoreConfig configures the optimistic entity store.
type StoreConfig struct {
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout" env:"COORDINATION_RECONCILE_TIMEOUT"`
	Retention        time.Duration `yaml:"retention" env:"COORDINATION_RETENTION"`
}

// CoordinatorConfig configures coordinator behavior.
type CoordinatorConfig struct {
	MaxCoHosts         int           `yaml:"max_co_hosts" env:"COORDINATION_MAX_CO_HOSTS"`
	PendingTTL         time.Duration `yaml:"pending_ttl" env:"COORDINATION_PENDING_TTL"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"COORDINATION_SWEEP_INTERVAL"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold" env:"COORDINATION_STALENESS_THRESHOLD"`
	PruneSchedule      string        `yaml:"prune_schedule" env:"COORDINATION_PRUNE_SCHEDULE"`
	MaxAttempts        int           `yaml:"max_attempts" env:"COORDINATION_MAX_ATTEMPTS"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"COORDINATION_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"COORDINATION_LOG_PRETTY"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"COORDINATION_METRICS_ENABLED"`
	Namespace string `yaml:"namespace" env:"COORDINATION_METRICS_NAMESPACE"`
}

// Load reads configuration from the given YAML file, then applies
// environment overrides and defaults. An empty path skips the file and
// configures from environment and defaults alone. A .env file in the
// working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with all defaults applied and no
// user or transport identity set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 15 * time.Second
	}
	if c.Realtime.Provider == "" {
		c.Realtime.Provider = ProviderWebsocket
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = 30 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "coordination"
	}
	if c.Redis.PingInterval == 0 {
		c.Redis.PingInterval = 15 * time.Second
	}
	if c.Limiter.MinInterval == 0 {
		c.Limiter.MinInterval = 5 * time.Second
	}
	if c.Limiter.InitialDelay == 0 {
		c.Limiter.InitialDelay = time.Second
	}
	if c.Store.ReconcileTimeout == 0 {
		c.Store.ReconcileTimeout = 10 * time.Second
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = 5 * time.Minute
	}
	if c.Coordinator.MaxCoHosts == 0 {
		c.Coordinator.MaxCoHosts = 4
	}
	if c.Coordinator.PendingTTL == 0 {
		c.Coordinator.PendingTTL = 120 * time.Second
	}
	if c.Coordinator.SweepInterval == 0 {
		c.Coordinator.SweepInterval = time.Second
	}
	if c.Coordinator.StalenessThreshold == 0 {
		c.Coordinator.StalenessThreshold = 30 * time.Second
	}
	if c.Coordinator.PruneSchedule == "" {
		c.Coordinator.PruneSchedule = "@every 1m"
	}
	if c.Coordinator.MaxAttempts == 0 {
		c.Coordinator.MaxAttempts = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "coordination"
	}
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url is required")
	}
	switch c.Realtime.Provider {
	case ProviderWebsocket:
		if c.Realtime.URL == "" {
			return fmt.Errorf("realtime.url is required for the websocket provider")
		}
	case ProviderRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis provider")
		}
	case ProviderNone:
	default:
		return fmt.Errorf("realtime.provider %q is not one of websocket, redis, none", c.Realtime.Provider)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

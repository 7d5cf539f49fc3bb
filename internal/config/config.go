// Package config loads runtime configuration for the command plane from the
// environment, with field parsing delegated to github.com/caarlos0/env/v11
// rather than hand-rolled getEnv/parseDuration helpers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every recognized runtime option.
type Config struct {
	// Command dispatch
	CommandTimeout          time.Duration `env:"COMMAND_TIMEOUT" envDefault:"30s"`
	CommandMaxRetries       int           `env:"COMMAND_MAX_RETRIES" envDefault:"3"`
	CommandRetryBaseDelay   time.Duration `env:"COMMAND_RETRY_BASE_DELAY" envDefault:"1s"`
	OfflineCommandTTL       time.Duration `env:"OFFLINE_COMMAND_TTL" envDefault:"1h"`
	CommandRetentionDays    int           `env:"COMMAND_RETENTION_DAYS" envDefault:"30"`
	HistoryRetentionDays    int           `env:"HISTORY_RETENTION_DAYS" envDefault:"30"`
	PruneSchedule           string        `env:"PRUNE_SCHEDULE" envDefault:"0 3 * * *"`

	// Node liveness
	NodeHeartbeatInterval time.Duration `env:"NODE_HEARTBEAT_INTERVAL" envDefault:"15s"`
	NodeTimeout           time.Duration `env:"NODE_TIMEOUT" envDefault:"45s"`

	// Webhooks
	WebhookRetryBaseDelay    time.Duration `env:"WEBHOOK_RETRY_BASE_DELAY" envDefault:"2s"`
	WebhookDeliveryTimeout   time.Duration `env:"WEBHOOK_DELIVERY_TIMEOUT" envDefault:"10s"`

	// Push
	PushNotificationsEnabled bool   `env:"PUSH_NOTIFICATIONS_ENABLED" envDefault:"false"`
	FCMServerKey             string `env:"FCM_SERVER_KEY"`
	APNSBearerToken          string `env:"APNS_BEARER_TOKEN"`
	APNSTopic                string `env:"APNS_TOPIC"`
	APNSHost                 string `env:"APNS_HOST" envDefault:"api.push.apple.com"`

	// Schedule worker (external; only carried through as config surface)
	ScheduleWorkerEnabled  bool          `env:"SCHEDULE_WORKER_ENABLED" envDefault:"false"`
	SchedulePollInterval   time.Duration `env:"SCHEDULE_POLL_INTERVAL" envDefault:"30s"`
	ScheduleBatchSize      int           `env:"SCHEDULE_BATCH_SIZE" envDefault:"50"`

	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"woly.db"`

	// Ambient HTTP surface (healthz/metrics only; no operator REST API)
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`
}

// Load reads Config from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration invariants: nodeTimeout
// must be at least twice nodeHeartbeatInterval, smaller values are rejected
// at startup rather than silently producing a flapping registry.
func (c *Config) Validate() error {
	if c.NodeTimeout < 2*c.NodeHeartbeatInterval {
		return fmt.Errorf("NODE_TIMEOUT (%s) must be at least 2x NODE_HEARTBEAT_INTERVAL (%s)",
			c.NodeTimeout, c.NodeHeartbeatInterval)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be positive")
	}
	if c.CommandMaxRetries < 0 {
		return fmt.Errorf("COMMAND_MAX_RETRIES must be non-negative")
	}
	return nil
}

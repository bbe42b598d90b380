package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON and decoded with
// DisallowUnknownFields so typos fail loudly instead of silently defaulting.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Redis       RedisConfig       `json:"redis,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Broadcast   BroadcastConfig   `json:"broadcast,omitempty"`
	Limits      LimitsConfig      `json:"limits,omitempty"`
	Webhook     WebhookConfig     `json:"webhook,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RedisConfig selects the rate-limiter backend. When Addr is empty the
// limiter falls back to the in-process backend; nothing else in the bot
// touches Redis.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BroadcastConfig controls the fan-out engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 10
//   - rate_per_sec: 25
//   - per_user_limit: 20
//   - per_user_window: "60s"
//   - send_timeout: "10s"
type BroadcastConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	PerUserLimit  int    `json:"per_user_limit,omitempty"`
	PerUserWindow string `json:"per_user_window,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// LimitsConfig holds the admission budgets outside the broadcast scope:
// inbound bot commands per user and inbound webhook calls globally.
type LimitsConfig struct {
	MessagesLimit  int    `json:"messages_limit,omitempty"`  // default 20
	MessagesWindow string `json:"messages_window,omitempty"` // default "30s"
	WebhookLimit   int    `json:"webhook_limit,omitempty"`   // default 300
	WebhookWindow  string `json:"webhook_window,omitempty"`  // default "1s"
}

type WebhookConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	SecretToken string `json:"secret_token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// MaintenanceConfig controls the cron-driven housekeeping jobs.
//
// Schedules are robfig/cron expressions (or "@every ..." specs).
type MaintenanceConfig struct {
	AuditRetentionDays int    `json:"audit_retention_days,omitempty"` // default 90
	PruneSchedule      string `json:"prune_schedule,omitempty"`       // default "0 4 * * *"
	SweepSchedule      string `json:"sweep_schedule,omitempty"`       // default "@every 1h"
}

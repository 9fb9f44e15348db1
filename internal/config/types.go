package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls trigger behavior (cron/once) and the sweep cadence.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for fired occurrences.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Delivery DeliveryConfig `json:"delivery"`
	Limits   LimitsConfig   `json:"limits"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Redis   *RedisConfig   `json:"redis,omitempty"`
	HTTP    *HTTPConfig    `json:"http,omitempty"`

	// Tenants is keyed by tenant (community) id.
	Tenants map[string]TenantConfig `json:"tenants"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "2m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OpsChat receives warn+ log lines when logging.ops is enabled.
	// Format: "<chat_id>" or "<chat_id>:<thread_id>".
	OpsChat string `json:"ops_chat,omitempty"`
	// Timeout bounds each Bot API request. Go duration string, default "15s".
	Timeout string `json:"timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted server).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls triggers and the periodic sweeps.
//
// Defaults: due_tick "1m", expiry_sweep "5m", cleanup "1h".
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone. Also the calendar used for daily limits.
	Timezone string `json:"timezone,omitempty"`

	DueTick     string `json:"due_tick,omitempty"`
	ExpirySweep string `json:"expiry_sweep,omitempty"`
	Cleanup     string `json:"cleanup,omitempty"`
}

// DeliveryConfig controls per-destination sending.
//
// Defaults: pace "1s", dedup_window "1h", send_timeout "15s", exists_cache_ttl "30s".
type DeliveryConfig struct {
	Pace           string `json:"pace,omitempty"`
	DedupWindow    string `json:"dedup_window,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	ExistsCacheTTL string `json:"exists_cache_ttl,omitempty"`
}

// LimitsConfig holds the default per-tenant admission limits.
//
// Defaults: cooldown "1h", daily_limit 10, weekly_limit 20.
type LimitsConfig struct {
	Cooldown    string `json:"cooldown,omitempty"`
	DailyLimit  int    `json:"daily_limit,omitempty"`
	WeeklyLimit int    `json:"weekly_limit,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/promobot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// Retention bounds stored delivery records. Default "168h".
	Retention string `json:"retention,omitempty"`
}

// RedisConfig enables cross-process destination claims.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	ClaimTTL string `json:"claim_ttl,omitempty"`
}

// HTTPConfig controls the admin API.
//
// Prefer binding to localhost. A non-loopback address requires a token.
type HTTPConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token    string `json:"token,omitempty"` // bearer token (do not log)
	Profiler bool   `json:"profiler,omitempty"`
}

// TenantConfig is the settings payload for one community. The same shape is
// accepted by PUT /v1/tenants/{tenant}/settings.
type TenantConfig struct {
	Disabled bool          `json:"disabled,omitempty"`
	Limits   *LimitsConfig `json:"limits,omitempty"`

	Channels []ChannelConfig `json:"channels,omitempty"`
	Roles    []RoleConfig    `json:"roles,omitempty"`

	Ads []AdConfig `json:"ads"`
}

// ChannelConfig is one entry of the tenant's destination directory.
// ID is the messenger destination ("<chat_id>" or "<chat_id>:<thread_id>").
type ChannelConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type RoleConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AdConfig struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ImageURL  string `json:"image_url,omitempty"`
	LinkURL   string `json:"link_url,omitempty"`
	LinkLabel string `json:"link_label,omitempty"`

	Channels     []string `json:"channels,omitempty"`
	RoleMentions []string `json:"role_mentions,omitempty"`

	PublishMode  string            `json:"publish_mode"`            // immediate | scheduled
	ScheduleKind string            `json:"schedule_kind,omitempty"` // one_shot | recurring
	Recurrence   *RecurrenceConfig `json:"recurrence,omitempty"`

	// RFC3339 timestamps.
	ScheduledAt string `json:"scheduled_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`

	Priority string `json:"priority,omitempty"` // low | normal | high

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

type RecurrenceConfig struct {
	Kind       string `json:"kind"`                   // daily | weekly | monthly | custom
	At         string `json:"at,omitempty"`           // HH:MM
	Weekday    string `json:"weekday,omitempty"`      // mon..sun
	DayOfMonth int    `json:"day_of_month,omitempty"` // 1..31
	Rule       string `json:"rule,omitempty"`         // cron or interval (custom)
}

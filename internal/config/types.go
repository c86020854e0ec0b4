package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Sink     SinkConfig     `json:"sink"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Refresh controls the scheduled upstream warm bursts. Nil means disabled.
	Refresh *RefreshConfig `json:"refresh,omitempty"`

	// Storage controls the optional persistence layer. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
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

// SinkConfig selects the delivery channel. Exactly one of the channel
// sections must be set, matching Type.
type SinkConfig struct {
	Type     string              `json:"type"` // "webhook" or "telegram"
	Webhook  *WebhookSinkConfig  `json:"webhook,omitempty"`
	Telegram *TelegramSinkConfig `json:"telegram,omitempty"`
}

type WebhookSinkConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

type TelegramSinkConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// DispatchConfig controls the alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts int  `json:"max_attempts,omitempty"`

	// KeepPriorityOnThrottle disables the gentle demotion of throttled
	// alerts; they requeue at their original priority instead.
	KeepPriorityOnThrottle bool `json:"keep_priority_on_throttle,omitempty"`

	ThrottleBackoff string `json:"throttle_backoff,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
	MinSpacing      string `json:"min_spacing,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	SinkTimeout     string `json:"sink_timeout,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Cooldown  CooldownConfig  `json:"cooldown"`
}

// RateLimitConfig caps sink deliveries. Zero caps mean "deny everything",
// which effectively pauses the pipeline without dropping queued alerts.
type RateLimitConfig struct {
	PerMinute int `json:"per_minute"`
	PerDay    int `json:"per_day"`
}

type CooldownConfig struct {
	// Window is a Go duration string. "0s" disables deduplication.
	Window     string `json:"window,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	Persist    bool   `json:"persist,omitempty"`
}

// RefreshConfig controls the cron-scheduled upstream warm bursts.
type RefreshConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron expression (5-field, e.g. "*/15 * * * *").
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`

	// RateLimit is the upstream API quota, independent from the sink budget.
	RateLimit RateLimitConfig `json:"rate_limit"`

	// WaitBudget bounds how long one burst may stall on the rate limiter.
	WaitBudget     string `json:"wait_budget,omitempty"`
	CallGap        string `json:"call_gap,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	Endpoints []RefreshEndpoint `json:"endpoints"`
}

// RefreshEndpoint is one upstream data source pulled during a burst.
// Priority orders the burst: lower numbers are fetched first.
type RefreshEndpoint struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./alertpipe_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

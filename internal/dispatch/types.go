package dispatch

import (
	"errors"
	"time"

	"alertpipe/internal/ratelimit"
)

var (
	ErrDisabled = errors.New("dispatcher disabled")
	ErrStopped  = errors.New("dispatcher stopped")
)

// Config controls the dispatch pipeline.
//
// Zero durations/counts fall back to the defaults noted per field; negative
// values are configuration errors (fail fast, no clamping).
type Config struct {
	Enabled bool

	// RateLimit is the sink's call budget.
	RateLimit ratelimit.Config

	// MaxAttempts bounds delivery attempts per alert. Default 3.
	MaxAttempts int

	// KeepPriorityOnThrottle disables the default demote-on-throttle
	// policy: when false (default) a throttled alert is re-enqueued at
	// min(priority+1, PriorityMax).
	KeepPriorityOnThrottle bool

	// ThrottleBackoff is the worker pause after a throttle, so the loop
	// doesn't busy-spin against the limiter. Default 2s.
	ThrottleBackoff time.Duration

	// RetryDelay is the pause before re-enqueueing a failed delivery.
	// Default 1s.
	RetryDelay time.Duration

	// MinSpacing is the minimum gap between deliveries, a safety margin
	// under the sink's own limit even if reservation accounting drifts.
	// Default 2.5s.
	MinSpacing time.Duration

	// PollInterval bounds how long the worker blocks on an empty queue
	// before re-checking shutdown. Default 1s.
	PollInterval time.Duration

	// SinkTimeout bounds one Deliver call. Align it with the Stop drain
	// timeout. Default 10s.
	SinkTimeout time.Duration

	// CooldownWindow is the per-key debounce interval. Default 60s.
	CooldownWindow time.Duration

	// CooldownMaxEntries caps the tracked key set. Default 2000.
	CooldownMaxEntries int

	// PersistCooldowns mirrors cooldown fire times into storage so a
	// restart does not re-fire suppressed alerts.
	PersistCooldowns bool
}

// HistoryItem is one recent terminal outcome, kept for status surfaces.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Title   string    `json:"title"`
	Outcome string    `json:"outcome"`
}

// Stats is a point-in-time observability snapshot.
type Stats struct {
	Running     bool             `json:"running"`
	QueueDepth  int              `json:"queue_depth"`
	QueueDepths map[int]int      `json:"queue_depths"`
	Delivered   uint64           `json:"delivered"`
	Retried     uint64           `json:"retried"`
	Dropped     uint64           `json:"dropped"`
	Suppressed  uint64           `json:"suppressed"`
	Throttled   uint64           `json:"throttled"`
	Demoted     uint64           `json:"demoted"`
	Limiter     ratelimit.Status `json:"limiter"`
}

func validate(cfg Config) error {
	if cfg.MaxAttempts < 0 {
		return errors.New("dispatch: max attempts must be >= 0")
	}
	if cfg.ThrottleBackoff < 0 || cfg.RetryDelay < 0 || cfg.MinSpacing < 0 ||
		cfg.PollInterval < 0 || cfg.SinkTimeout < 0 || cfg.CooldownWindow < 0 {
		return errors.New("dispatch: durations must be >= 0")
	}
	if cfg.CooldownMaxEntries < 0 {
		return errors.New("dispatch: cooldown max entries must be >= 0")
	}
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ThrottleBackoff == 0 {
		cfg.ThrottleBackoff = 2 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MinSpacing == 0 {
		cfg.MinSpacing = 2500 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SinkTimeout == 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	if cfg.CooldownWindow == 0 {
		cfg.CooldownWindow = time.Minute
	}
	if cfg.CooldownMaxEntries == 0 {
		cfg.CooldownMaxEntries = 2000
	}
	return cfg
}

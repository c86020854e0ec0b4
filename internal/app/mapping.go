package app

import (
	"fmt"
	"strings"
	"time"

	"alertpipe/internal/config"
	"alertpipe/internal/dispatch"
	"alertpipe/internal/ratelimit"
	"alertpipe/internal/refresh"
	"alertpipe/internal/sink"
	"alertpipe/internal/storage"
	"alertpipe/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Sink.Type)) {
	case "", "webhook":
		wc := cfg.Sink.Webhook
		if wc == nil {
			return nil, fmt.Errorf("sink.webhook section is required")
		}
		timeout, err := config.ParseDurationField("sink.webhook.timeout", wc.Timeout)
		if err != nil {
			return nil, err
		}
		return sink.NewWebhook(sink.WebhookConfig{
			URL:     wc.URL,
			Secret:  wc.Secret,
			Timeout: timeout,
		})
	case "telegram":
		tc := cfg.Sink.Telegram
		if tc == nil {
			return nil, fmt.Errorf("sink.telegram section is required")
		}
		return sink.NewTelegram(sink.TelegramConfig{
			Token:    tc.Token,
			ChatID:   tc.ChatID,
			ThreadID: tc.ThreadID,
		})
	default:
		return nil, fmt.Errorf("unknown sink.type: %s", cfg.Sink.Type)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch

	out := dispatch.Config{
		Enabled:                d.Enabled,
		MaxAttempts:            d.MaxAttempts,
		KeepPriorityOnThrottle: d.KeepPriorityOnThrottle,
		RateLimit: ratelimit.Config{
			PerMinute: d.RateLimit.PerMinute,
			PerDay:    d.RateLimit.PerDay,
		},
		CooldownMaxEntries: d.Cooldown.MaxEntries,
		PersistCooldowns:   d.Cooldown.Persist,
	}

	var err error
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dispatch.throttle_backoff", d.ThrottleBackoff, &out.ThrottleBackoff},
		{"dispatch.retry_delay", d.RetryDelay, &out.RetryDelay},
		{"dispatch.min_spacing", d.MinSpacing, &out.MinSpacing},
		{"dispatch.poll_interval", d.PollInterval, &out.PollInterval},
		{"dispatch.sink_timeout", d.SinkTimeout, &out.SinkTimeout},
		{"dispatch.cooldown.window", d.Cooldown.Window, &out.CooldownWindow},
	} {
		if *f.dst, err = config.ParseDurationField(f.key, f.raw); err != nil {
			return dispatch.Config{}, err
		}
	}
	return out, nil
}

func mapRefreshConfig(cfg *config.Config) (refresh.Config, error) {
	r := cfg.Refresh
	if r == nil {
		return refresh.Config{}, nil
	}

	waitBudget, err := config.ParseDurationField("refresh.wait_budget", r.WaitBudget)
	if err != nil {
		return refresh.Config{}, err
	}
	callGap, err := config.ParseDurationField("refresh.call_gap", r.CallGap)
	if err != nil {
		return refresh.Config{}, err
	}
	reqTimeout, err := config.ParseDurationField("refresh.request_timeout", r.RequestTimeout)
	if err != nil {
		return refresh.Config{}, err
	}

	eps := make([]refresh.Endpoint, 0, len(r.Endpoints))
	for _, ep := range r.Endpoints {
		eps = append(eps, refresh.Endpoint{
			Name:     strings.TrimSpace(ep.Name),
			URL:      strings.TrimSpace(ep.URL),
			Priority: ep.Priority,
		})
	}

	return refresh.Config{
		Enabled:  r.Enabled,
		Schedule: strings.TrimSpace(r.Schedule),
		Timezone: strings.TrimSpace(r.Timezone),
		RateLimit: ratelimit.Config{
			PerMinute: r.RateLimit.PerMinute,
			PerDay:    r.RateLimit.PerDay,
		},
		WaitBudget:     waitBudget,
		CallGap:        callGap,
		RequestTimeout: reqTimeout,
		RunAtStart:     true,
		Endpoints:      eps,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

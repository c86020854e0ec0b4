package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks cross-field semantics the strict decoder cannot express.
// It is called on every Parse so a broken file never reaches subscribers.
func (c *Config) Validate() error {
	switch strings.TrimSpace(strings.ToLower(c.Sink.Type)) {
	case "", "webhook":
		if c.Sink.Webhook == nil {
			return fmt.Errorf("sink: type %q requires a webhook section", "webhook")
		}
		if strings.TrimSpace(c.Sink.Webhook.URL) == "" {
			return fmt.Errorf("sink.webhook: url is required")
		}
		if _, err := ParseDurationField("sink.webhook.timeout", c.Sink.Webhook.Timeout); err != nil {
			return err
		}
	case "telegram":
		if c.Sink.Telegram == nil {
			return fmt.Errorf("sink: type %q requires a telegram section", "telegram")
		}
		if strings.TrimSpace(c.Sink.Telegram.Token) == "" {
			return fmt.Errorf("sink.telegram: token is required")
		}
		if c.Sink.Telegram.ChatID == 0 {
			return fmt.Errorf("sink.telegram: chat_id is required")
		}
	default:
		return fmt.Errorf("sink: unknown type %q", c.Sink.Type)
	}

	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts: must be >= 0")
	}
	if c.Dispatch.RateLimit.PerMinute < 0 || c.Dispatch.RateLimit.PerDay < 0 {
		return fmt.Errorf("dispatch.rate_limit: caps must be >= 0")
	}
	if c.Dispatch.Cooldown.MaxEntries < 0 {
		return fmt.Errorf("dispatch.cooldown.max_entries: must be >= 0")
	}
	for path, raw := range map[string]string{
		"dispatch.throttle_backoff": c.Dispatch.ThrottleBackoff,
		"dispatch.retry_delay":      c.Dispatch.RetryDelay,
		"dispatch.min_spacing":      c.Dispatch.MinSpacing,
		"dispatch.poll_interval":    c.Dispatch.PollInterval,
		"dispatch.sink_timeout":     c.Dispatch.SinkTimeout,
		"dispatch.cooldown.window":  c.Dispatch.Cooldown.Window,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if r := c.Refresh; r != nil && r.Enabled {
		if strings.TrimSpace(r.Schedule) == "" {
			return fmt.Errorf("refresh.schedule: required when refresh is enabled")
		}
		if r.RateLimit.PerMinute < 0 || r.RateLimit.PerDay < 0 {
			return fmt.Errorf("refresh.rate_limit: caps must be >= 0")
		}
		if r.Timezone != "" {
			if _, err := time.LoadLocation(r.Timezone); err != nil {
				return fmt.Errorf("refresh.timezone: %w", err)
			}
		}
		for path, raw := range map[string]string{
			"refresh.wait_budget":     r.WaitBudget,
			"refresh.call_gap":        r.CallGap,
			"refresh.request_timeout": r.RequestTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
		if len(r.Endpoints) == 0 {
			return fmt.Errorf("refresh.endpoints: at least one endpoint is required")
		}
		seen := make(map[string]struct{}, len(r.Endpoints))
		for i, ep := range r.Endpoints {
			name := strings.TrimSpace(ep.Name)
			if name == "" {
				return fmt.Errorf("refresh.endpoints[%d]: name is required", i)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("refresh.endpoints[%d]: duplicate name %q", i, name)
			}
			seen[name] = struct{}{}
			u, err := url.Parse(strings.TrimSpace(ep.URL))
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("refresh.endpoints[%d] (%s): invalid url %q", i, name, ep.URL)
			}
			if ep.Priority < 1 || ep.Priority > 4 {
				return fmt.Errorf("refresh.endpoints[%d] (%s): priority must be 1..4", i, name)
			}
		}
	}

	if s := c.Storage; s != nil {
		switch strings.TrimSpace(strings.ToLower(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}

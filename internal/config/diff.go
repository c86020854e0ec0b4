package config

import (
	"reflect"
	"sort"
	"strings"

	"alertpipe/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or signing keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Sink (never log the webhook secret or bot token)
	if sinkChanged(oldCfg.Sink, newCfg.Sink) {
		changed = append(changed, "sink")
		attrs = append(attrs, logx.String("sink.type", strings.TrimSpace(newCfg.Sink.Type)))
		if w := newCfg.Sink.Webhook; w != nil {
			attrs = append(attrs,
				logx.String("sink.webhook.url", strings.TrimSpace(w.URL)),
				logx.Bool("sink.webhook.secret_set", strings.TrimSpace(w.Secret) != ""),
			)
		}
		if t := newCfg.Sink.Telegram; t != nil {
			attrs = append(attrs,
				logx.Int64("sink.telegram.chat_id", t.ChatID),
				logx.Bool("sink.telegram.token_set", strings.TrimSpace(t.Token) != ""),
			)
		}
	}

	// Dispatch
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.Int("dispatch.rate_limit.per_minute", newCfg.Dispatch.RateLimit.PerMinute),
			logx.Int("dispatch.rate_limit.per_day", newCfg.Dispatch.RateLimit.PerDay),
			logx.String("dispatch.cooldown.window", strings.TrimSpace(newCfg.Dispatch.Cooldown.Window)),
			logx.Bool("dispatch.keep_priority_on_throttle", newCfg.Dispatch.KeepPriorityOnThrottle),
		)
	}

	// Refresh. Nil means disabled.
	oldR := derefRefresh(oldCfg.Refresh)
	newR := derefRefresh(newCfg.Refresh)
	if (oldCfg.Refresh != nil) != (newCfg.Refresh != nil) || !reflect.DeepEqual(oldR, newR) {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Bool("refresh.enabled", newR.Enabled),
			logx.String("refresh.schedule", strings.TrimSpace(newR.Schedule)),
			logx.Int("refresh.endpoint_count", len(newR.Endpoints)),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func sinkChanged(o, n SinkConfig) bool {
	if strings.TrimSpace(o.Type) != strings.TrimSpace(n.Type) {
		return true
	}
	ow, nw := o.Webhook, n.Webhook
	if (ow != nil) != (nw != nil) {
		return true
	}
	if ow != nil && *ow != *nw {
		return true
	}
	ot, nt := o.Telegram, n.Telegram
	if (ot != nil) != (nt != nil) {
		return true
	}
	if ot != nil && *ot != *nt {
		return true
	}
	return false
}

func derefRefresh(r *RefreshConfig) RefreshConfig {
	if r == nil {
		return RefreshConfig{}
	}
	return *r
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validJSON = `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "sink": {"type": "webhook", "webhook": {"url": "https://hooks.example.com/alerts", "secret": "s3cret"}},
  "dispatch": {
    "enabled": true,
    "max_attempts": 3,
    "rate_limit": {"per_minute": 7, "per_day": 50},
    "cooldown": {"window": "60s", "max_entries": 2000}
  }
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Dispatch.RateLimit.PerMinute != 7 || cfg.Dispatch.RateLimit.PerDay != 50 {
		t.Fatalf("rate limit = %+v", cfg.Dispatch.RateLimit)
	}
	if cfg.Sink.Webhook == nil || cfg.Sink.Webhook.URL != "https://hooks.example.com/alerts" {
		t.Fatalf("sink = %+v", cfg.Sink)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	body := `
logging:
  level: debug
  console: true
sink:
  type: telegram
  telegram:
    token: "123:abc"
    chat_id: -100200300
    thread_id: 7
dispatch:
  enabled: true
  rate_limit:
    per_minute: 7
    per_day: 50
  cooldown:
    window: 1m
refresh:
  enabled: true
  schedule: "*/15 * * * *"
  endpoints:
    - name: prices
      url: https://api.example.com/v1/prices
      priority: 1
    - name: levels
      url: https://api.example.com/v1/levels
      priority: 2
storage:
  driver: file
  path: ./alertpipe_store
`
	m := NewManager(writeTemp(t, "config.yaml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sink.Telegram == nil || cfg.Sink.Telegram.ChatID != -100200300 || cfg.Sink.Telegram.ThreadID != 7 {
		t.Fatalf("telegram sink = %+v", cfg.Sink.Telegram)
	}
	if cfg.Refresh == nil || len(cfg.Refresh.Endpoints) != 2 || cfg.Refresh.Endpoints[0].Name != "prices" {
		t.Fatalf("refresh = %+v", cfg.Refresh)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validJSON, `"logging"`, `"loging"`, 1)
	m := NewManager(writeTemp(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.json", validJSON+`{"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Sink: SinkConfig{
				Type:    "webhook",
				Webhook: &WebhookSinkConfig{URL: "https://hooks.example.com/a"},
			},
			Dispatch: DispatchConfig{
				Enabled:   true,
				RateLimit: RateLimitConfig{PerMinute: 7, PerDay: 50},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "webhook url missing", mutate: func(c *Config) { c.Sink.Webhook.URL = "" }, wantErr: true},
		{name: "webhook section missing", mutate: func(c *Config) { c.Sink.Webhook = nil }, wantErr: true},
		{name: "unknown sink type", mutate: func(c *Config) { c.Sink.Type = "carrier-pigeon" }, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) {
			c.Sink = SinkConfig{Type: "telegram", Telegram: &TelegramSinkConfig{ChatID: 1}}
		}, wantErr: true},
		{name: "negative rate cap", mutate: func(c *Config) { c.Dispatch.RateLimit.PerDay = -1 }, wantErr: true},
		{name: "zero caps allowed", mutate: func(c *Config) { c.Dispatch.RateLimit = RateLimitConfig{} }},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.RetryDelay = "2 parsecs" }, wantErr: true},
		{name: "refresh without schedule", mutate: func(c *Config) {
			c.Refresh = &RefreshConfig{Enabled: true, Endpoints: []RefreshEndpoint{{Name: "a", URL: "https://x.example.com", Priority: 1}}}
		}, wantErr: true},
		{name: "refresh without endpoints", mutate: func(c *Config) {
			c.Refresh = &RefreshConfig{Enabled: true, Schedule: "*/5 * * * *"}
		}, wantErr: true},
		{name: "refresh duplicate endpoint name", mutate: func(c *Config) {
			c.Refresh = &RefreshConfig{Enabled: true, Schedule: "*/5 * * * *", Endpoints: []RefreshEndpoint{
				{Name: "a", URL: "https://x.example.com", Priority: 1},
				{Name: "a", URL: "https://y.example.com", Priority: 2},
			}}
		}, wantErr: true},
		{name: "refresh priority out of range", mutate: func(c *Config) {
			c.Refresh = &RefreshConfig{Enabled: true, Schedule: "*/5 * * * *", Endpoints: []RefreshEndpoint{
				{Name: "a", URL: "https://x.example.com", Priority: 5},
			}}
		}, wantErr: true},
		{name: "refresh disabled skips checks", mutate: func(c *Config) {
			c.Refresh = &RefreshConfig{Enabled: false}
		}},
		{name: "unknown storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "etcd"}
		}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.json", validJSON))
	ch := m.Subscribe(1)

	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received a different config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the config")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Sink:     SinkConfig{Type: "webhook", Webhook: &WebhookSinkConfig{URL: "https://a.example.com"}},
		Dispatch: DispatchConfig{Enabled: true, RateLimit: RateLimitConfig{PerMinute: 7, PerDay: 50}},
	}
	newCfg := &Config{
		Sink:     SinkConfig{Type: "webhook", Webhook: &WebhookSinkConfig{URL: "https://b.example.com", Secret: "shh"}},
		Dispatch: DispatchConfig{Enabled: true, RateLimit: RateLimitConfig{PerMinute: 10, PerDay: 50}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"dispatch", "sink"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs for changed sections")
	}

	if c, _ := SummarizeConfigChange(oldCfg, oldCfg); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

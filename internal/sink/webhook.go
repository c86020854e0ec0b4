package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Webhook posts alerts as JSON to a notification endpoint.
// If a secret is configured, requests are signed with HMAC-SHA256.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration // default 10s; align with the dispatcher drain timeout
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Category  string `json:"category,omitempty"`
	Priority  int    `json:"priority"`
}

func (w *Webhook) Deliver(ctx context.Context, m Message) (Result, error) {
	payload := webhookPayload{
		Event:     "alert",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Title:     prefixFor(m.Priority) + m.Title,
		Body:      m.Body,
		Category:  m.Category,
		Priority:  m.Priority,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alertpipe/1.0")
	if w.secret != "" {
		sig := computeHMAC(body, []byte(w.secret))
		req.Header.Set("X-Signature-256", "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	return Result{StatusCode: resp.StatusCode}, nil
}

func computeHMAC(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

package sink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookDeliverStatusPassthrough(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "throttled", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			wh, err := NewWebhook(WebhookConfig{URL: srv.URL})
			if err != nil {
				t.Fatalf("NewWebhook error: %v", err)
			}
			res, err := wh.Deliver(context.Background(), Message{Title: "t", Priority: 3})
			if err != nil {
				t.Fatalf("Deliver error: %v", err)
			}
			if res.StatusCode != tt.status {
				t.Fatalf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
		})
	}
}

func TestWebhookPayloadAndSignature(t *testing.T) {
	t.Parallel()
	const secret = "s3cret"

	var gotBody []byte
	var gotSig, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		gotCT = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: secret})
	if err != nil {
		t.Fatalf("NewWebhook error: %v", err)
	}
	_, err = wh.Deliver(context.Background(), Message{
		Title:    "BTC above 70000",
		Body:     "spot crossed the configured level",
		Category: "price",
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	if gotCT != "application/json" {
		t.Fatalf("Content-Type = %q", gotCT)
	}

	var p webhookPayload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.Event != "alert" || p.Category != "price" || p.Priority != 1 {
		t.Fatalf("payload = %+v", p)
	}
	if !strings.HasPrefix(p.Title, "[CRITICAL] ") {
		t.Fatalf("priority 1 title should carry the critical prefix, got %q", p.Title)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookTransportError(t *testing.T) {
	t.Parallel()
	wh, err := NewWebhook(WebhookConfig{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewWebhook error: %v", err)
	}
	if _, err := wh.Deliver(context.Background(), Message{Title: "t"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestWebhookConfigValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook(WebhookConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"alertpipe/internal/alert"
	"alertpipe/internal/eventbus"
	"alertpipe/internal/ratelimit"
	"alertpipe/internal/sink"
	"alertpipe/pkg/logx"
)

// fakeSink records deliveries and answers from a programmable script.
type fakeSink struct {
	mu       sync.Mutex
	messages []sink.Message
	respond  func(n int, m sink.Message) (sink.Result, error)
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(ctx context.Context, m sink.Message) (sink.Result, error) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	n := len(f.messages)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return sink.Result{StatusCode: http.StatusOK}, nil
	}
	return respond(n, m)
}

func (f *fakeSink) calls() []sink.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.Message(nil), f.messages...)
}

func testConfig() Config {
	return Config{
		Enabled:         true,
		RateLimit:       ratelimit.Config{PerMinute: 1000, PerDay: 1000},
		MaxAttempts:     3,
		ThrottleBackoff: 5 * time.Millisecond,
		RetryDelay:      5 * time.Millisecond,
		MinSpacing:      time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		SinkTimeout:     time.Second,
		CooldownWindow:  time.Minute,
	}
}

func startService(t *testing.T, cfg Config, snk sink.Sink, bus eventbus.Bus) *Service {
	t.Helper()
	svc, err := New(cfg, snk, logx.Nop(), bus, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestDeliverySuccess(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	svc := startService(t, testConfig(), fs, bus)

	err := svc.Enqueue(context.Background(), 2, alert.Payload{Title: "BTC crossed 70000", Category: "price"}, "BTC_70000")
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return svc.Snapshot().Delivered == 1 }, "delivery")

	calls := fs.calls()
	if len(calls) != 1 || calls[0].Title != "BTC crossed 70000" || calls[0].Priority != 2 {
		t.Fatalf("sink calls = %+v", calls)
	}
	st := svc.Snapshot()
	if st.QueueDepth != 0 || st.Dropped != 0 || st.Retried != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// The bus saw queued then sent.
	var types []string
	waitFor(t, time.Second, func() bool {
		for {
			select {
			case e := <-events:
				types = append(types, e.Type)
			default:
				for _, typ := range types {
					if typ == eventbus.EventAlertSent {
						return true
					}
				}
				return false
			}
		}
	}, "alert.sent event")
}

func TestCooldownSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	svc := startService(t, testConfig(), fs, nil)

	ctx := context.Background()
	p := alert.Payload{Title: "support broken", Category: "level"}
	if err := svc.Enqueue(ctx, 2, p, "SUPPORT_6600"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Enqueue(ctx, 2, p, "SUPPORT_6600"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		st := svc.Snapshot()
		return st.Delivered == 1 && st.Suppressed == 1
	}, "1 delivered + 1 suppressed")

	if got := len(fs.calls()); got != 1 {
		t.Fatalf("sink calls = %d, want exactly 1", got)
	}
}

func TestRetryExhaustionDrops(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{
		respond: func(n int, m sink.Message) (sink.Result, error) {
			return sink.Result{StatusCode: http.StatusInternalServerError}, nil
		},
	}
	svc := startService(t, testConfig(), fs, nil)

	if err := svc.Enqueue(context.Background(), 1, alert.Payload{Title: "doomed"}, "k1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return svc.Snapshot().Dropped == 1 }, "drop after retries")

	if got := len(fs.calls()); got != 3 {
		t.Fatalf("delivery attempts = %d, want exactly 3", got)
	}
	st := svc.Snapshot()
	if st.Retried != 2 || st.Delivered != 0 || st.QueueDepth != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTransportErrorsCountAsFailures(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{
		respond: func(n int, m sink.Message) (sink.Result, error) {
			return sink.Result{}, errors.New("connection refused")
		},
	}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	svc := startService(t, cfg, fs, nil)

	if err := svc.Enqueue(context.Background(), 3, alert.Payload{Title: "x"}, "k"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Snapshot().Dropped == 1 }, "drop")
	if got := len(fs.calls()); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestSinkThrottleDemotesAndRetriesUnbounded(t *testing.T) {
	t.Parallel()
	// Six 429s, then accept. The alert must survive all throttles (they do
	// not burn attempts), demote monotonically to the cap, and deliver.
	fs := &fakeSink{
		respond: func(n int, m sink.Message) (sink.Result, error) {
			if n <= 6 {
				return sink.Result{StatusCode: http.StatusTooManyRequests}, nil
			}
			return sink.Result{StatusCode: http.StatusOK}, nil
		},
	}
	svc := startService(t, testConfig(), fs, nil)

	if err := svc.Enqueue(context.Background(), 1, alert.Payload{Title: "demote me"}, "k"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return svc.Snapshot().Delivered == 1 }, "eventual delivery")

	calls := fs.calls()
	last := calls[len(calls)-1]
	if last.Priority != alert.PriorityMax {
		t.Fatalf("final priority = %d, want capped at %d", last.Priority, alert.PriorityMax)
	}
	// Priority must never become more urgent across requeues.
	for i := 1; i < len(calls); i++ {
		if calls[i].Priority < calls[i-1].Priority {
			t.Fatalf("priority promoted across requeues: %d -> %d", calls[i-1].Priority, calls[i].Priority)
		}
	}
	st := svc.Snapshot()
	if st.Throttled != 6 || st.Demoted != 4 || st.Dropped != 0 {
		t.Fatalf("stats = %+v, want 6 throttled / 4 demoted / 0 dropped", st)
	}
}

func TestKeepPriorityOnThrottle(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{
		respond: func(n int, m sink.Message) (sink.Result, error) {
			if n <= 3 {
				return sink.Result{StatusCode: http.StatusTooManyRequests}, nil
			}
			return sink.Result{StatusCode: http.StatusOK}, nil
		},
	}
	cfg := testConfig()
	cfg.KeepPriorityOnThrottle = true
	svc := startService(t, cfg, fs, nil)

	if err := svc.Enqueue(context.Background(), 2, alert.Payload{Title: "steady"}, "k"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return svc.Snapshot().Delivered == 1 }, "delivery")

	for _, c := range fs.calls() {
		if c.Priority != 2 {
			t.Fatalf("priority changed with demotion disabled: %+v", fs.calls())
		}
	}
	if st := svc.Snapshot(); st.Demoted != 0 {
		t.Fatalf("Demoted = %d, want 0", st.Demoted)
	}
}

func TestLimiterThrottleDefersDelivery(t *testing.T) {
	t.Parallel()
	// Scenario: two reservations per (compressed) window, three alerts with
	// distinct keys. Two deliver immediately, the third only after the
	// window slides.
	fs := &fakeSink{}
	cfg := testConfig()
	cfg.RateLimit = ratelimit.Config{PerMinute: 2, PerDay: 100, Window: 300 * time.Millisecond}
	svc := startService(t, cfg, fs, nil)

	ctx := context.Background()
	for i, key := range []string{"a", "b", "c"} {
		if err := svc.Enqueue(ctx, 2, alert.Payload{Title: key}, key); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return svc.Snapshot().Delivered == 2 }, "first two deliveries")
	waitFor(t, 3*time.Second, func() bool { return svc.Snapshot().Delivered == 3 }, "third delivery after window slides")

	if st := svc.Snapshot(); st.Throttled == 0 {
		t.Fatalf("stats = %+v, want at least one throttle", st)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	svc := startService(t, testConfig(), fs, nil)
	ctx := context.Background()
	p := alert.Payload{Title: "t"}

	if err := svc.Enqueue(ctx, 0, p, "k"); err == nil {
		t.Fatal("expected error for priority below range")
	}
	if err := svc.Enqueue(ctx, 6, p, "k"); err == nil {
		t.Fatal("expected error for priority above range")
	}
	if err := svc.Enqueue(ctx, 2, alert.Payload{}, "k"); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestEnqueueLifecycleErrors(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	ctx := context.Background()

	disabled, err := New(Config{Enabled: false, RateLimit: ratelimit.Config{PerMinute: 1, PerDay: 1}}, fs, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := disabled.Enqueue(ctx, 1, alert.Payload{Title: "t"}, "k"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	svc := startService(t, testConfig(), fs, nil)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	if err := svc.Enqueue(ctx, 1, alert.Payload{Title: "t"}, "k"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStartIdempotent(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	svc := startService(t, testConfig(), fs, nil)
	svc.Start(context.Background()) // no-op
	if err := svc.Enqueue(context.Background(), 1, alert.Payload{Title: "t"}, "k"); err != nil {
		t.Fatalf("Enqueue after double Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Snapshot().Delivered == 1 }, "delivery")
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	fs := &fakeSink{}
	if _, err := New(Config{MaxAttempts: -1}, fs, logx.Nop(), nil, nil); err == nil {
		t.Fatal("expected error for negative max attempts")
	}
	if _, err := New(Config{RateLimit: ratelimit.Config{PerMinute: -1}}, fs, logx.Nop(), nil, nil); err == nil {
		t.Fatal("expected error for negative rate limit")
	}
	if _, err := New(testConfig(), nil, logx.Nop(), nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		res  sink.Result
		err  error
		want outcome
	}{
		{name: "ok", res: sink.Result{StatusCode: 200}, want: outcomeDelivered},
		{name: "no content", res: sink.Result{StatusCode: 204}, want: outcomeDelivered},
		{name: "throttled", res: sink.Result{StatusCode: 429}, want: outcomeThrottled},
		{name: "server error", res: sink.Result{StatusCode: 500}, want: outcomeFailed},
		{name: "client error", res: sink.Result{StatusCode: 400}, want: outcomeFailed},
		{name: "transport error", err: errors.New("dial"), want: outcomeFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.res, tt.err); got != tt.want {
				t.Fatalf("classify = %v, want %v", got, tt.want)
			}
		})
	}
}

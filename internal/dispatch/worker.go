package dispatch

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"alertpipe/internal/alert"
	"alertpipe/internal/eventbus"
	"alertpipe/internal/queue"
	"alertpipe/internal/ratelimit"
	"alertpipe/internal/sink"
	"alertpipe/internal/storage"
	logx "alertpipe/pkg/logx"
)

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeThrottled
	outcomeFailed
)

// classify maps a sink response onto dispatch policy. A 429-equivalent is a
// throttle (never counted against the attempt budget); everything else
// non-2xx, including transport errors, is a transient failure.
func classify(res sink.Result, err error) outcome {
	if err != nil {
		return outcomeFailed
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return outcomeThrottled
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return outcomeDelivered
	default:
		return outcomeFailed
	}
}

// loop is the single consumer. The bounded Pop keeps it responsive to
// shutdown: it observes cancellation within one poll interval.
func (s *Service) loop(ctx context.Context, q *queue.Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		a, ok := q.Pop(s.config().PollInterval)
		if !ok {
			if q.Closed() {
				return
			}
			continue
		}
		s.process(ctx, q, a)
	}
}

func (s *Service) process(ctx context.Context, q *queue.Queue, a *alert.Alert) {
	cfg := s.config()

	// Cooldown gate, first admission only. Suppression is a silent drop,
	// not a failure.
	if !a.Admitted {
		now := time.Now()
		if !s.cooldownTracker().ShouldFire(a.CooldownKey, now) {
			s.suppressed.Add(1)
			s.publish(eventbus.EventAlertDeduped, a, "")
			s.log.Debug("duplicate alert suppressed",
				logx.String("cooldown_key", a.CooldownKey),
				logx.Int("priority", a.Priority))
			return
		}
		a.Admitted = true
		s.persistCooldown(a.CooldownKey, now)
	}

	// Sink budget. A denial is a throttle, not a delivery failure.
	if !s.limiterRef().Reserve() {
		s.requeueThrottled(ctx, q, a, cfg)
		return
	}

	// Minimum inter-delivery spacing, independent of the reservation
	// accounting.
	if err := s.spacingRef().Wait(ctx); err != nil {
		// Shutting down: put the alert back for the next run.
		q.Push(a)
		return
	}

	// The sink call deliberately does not inherit the run context: stop is
	// cooperative and must not cut an in-flight delivery. SinkTimeout
	// bounds it instead.
	callCtx, cancel := context.WithTimeout(context.Background(), cfg.SinkTimeout)
	res, err := s.snk.Deliver(callCtx, sink.Message{
		Title:    a.Payload.Title,
		Body:     a.Payload.Body,
		Category: a.Payload.Category,
		Priority: a.Priority,
	})
	cancel()

	switch classify(res, err) {
	case outcomeDelivered:
		a.Attempts++
		s.delivered.Add(1)
		s.appendHistory(a.Payload.Title, storage.OutcomeDelivered)
		s.journal(a, storage.OutcomeDelivered, "")
		s.publish(eventbus.EventAlertSent, a, "")
		s.log.Info("alert delivered",
			logx.Int("priority", a.Priority),
			logx.String("category", a.Payload.Category),
			logx.Int("attempts", a.Attempts))

	case outcomeThrottled:
		// The sink itself said "slow down"; same policy as a limiter deny.
		s.requeueThrottled(ctx, q, a, cfg)

	case outcomeFailed:
		a.Attempts++
		errText := ""
		if err != nil {
			errText = err.Error()
		} else {
			errText = http.StatusText(res.StatusCode)
		}

		if a.Attempts < cfg.MaxAttempts {
			s.retried.Add(1)
			s.publish(eventbus.EventAlertRetry, a, errText)
			s.log.Warn("delivery failed; will retry",
				logx.Int("priority", a.Priority),
				logx.Int("attempt", a.Attempts),
				logx.Int("max", cfg.MaxAttempts),
				logx.Int("status", res.StatusCode),
				logx.Err(err))
			// Same priority: a failure is not an ordering problem, only
			// the attempt budget shrinks.
			sleepCtx(ctx, cfg.RetryDelay)
			q.Push(a)
			return
		}

		s.dropped.Add(1)
		s.appendHistory(a.Payload.Title, storage.OutcomeDropped)
		s.journal(a, storage.OutcomeDropped, errText)
		s.publish(eventbus.EventAlertDropped, a, errText)
		s.log.Error("alert dropped after exhausting attempts",
			logx.Int("priority", a.Priority),
			logx.Int("attempts", a.Attempts),
			logx.String("category", a.Payload.Category),
			logx.Int("status", res.StatusCode),
			logx.Err(err))
	}
}

// requeueThrottled applies the throttle policy: gentle demotion (so a burst
// of low-value alerts cannot head-of-line block forever), re-enqueue, then a
// short backoff so the loop doesn't spin against the limiter.
func (s *Service) requeueThrottled(ctx context.Context, q *queue.Queue, a *alert.Alert, cfg Config) {
	s.throttled.Add(1)
	if !cfg.KeepPriorityOnThrottle && a.Priority < alert.PriorityMax {
		a.Priority++
		s.demoted.Add(1)
	}
	q.Push(a)
	s.publish(eventbus.EventAlertThrottled, a, "")
	s.log.Debug("throttled; alert requeued",
		logx.Int("priority", a.Priority),
		logx.String("cooldown_key", a.CooldownKey))
	sleepCtx(ctx, cfg.ThrottleBackoff)
}

func (s *Service) persistCooldown(key string, at time.Time) {
	if key == "" {
		return
	}
	s.mu.Lock()
	pch := s.persistCh
	s.mu.Unlock()
	if pch == nil {
		return
	}
	// Best-effort; never block the worker.
	func() {
		defer func() { _ = recover() }()
		select {
		case pch <- cooldownWrite{key: key, at: at}:
		default:
		}
	}()
}

func (s *Service) journal(a *alert.Alert, outcome, errText string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := s.store.AppendDelivery(ctx, storage.DeliveryEntry{
		At:          time.Now(),
		Sink:        s.snk.Name(),
		Priority:    a.Priority,
		Category:    a.Payload.Category,
		CooldownKey: a.CooldownKey,
		Attempts:    a.Attempts,
		Outcome:     outcome,
		Error:       errText,
	})
	if err != nil {
		s.log.Debug("delivery journal write failed", logx.Err(err))
	}
}

func (s *Service) limiterRef() *ratelimit.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func (s *Service) spacingRef() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spacing
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Package eventbus decouples the dispatch pipeline from anything that wants
// to observe it (health surfaces, counters, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline event types published by the dispatcher and the refresh service.
const (
	EventAlertQueued    = "alert.queued"
	EventAlertDeduped   = "alert.deduped"
	EventAlertThrottled = "alert.throttled"
	EventAlertSent      = "alert.sent"
	EventAlertRetry     = "alert.retry"
	EventAlertDropped   = "alert.dropped"
	EventRefreshDone    = "refresh.completed"
)

// AlertEvent is the Data payload for alert.* events.
type AlertEvent struct {
	Priority    int       `json:"priority"`
	Category    string    `json:"category,omitempty"`
	CooldownKey string    `json:"cooldown_key,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// RefreshEvent is the Data payload for refresh.completed.
type RefreshEvent struct {
	Executed int           `json:"executed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Took     time.Duration `json:"took"`
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := b.seq.Add(1)
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok && cur == ch {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Package alert holds the data model shared by the queue and the dispatcher.
package alert

import (
	"fmt"
	"strings"
	"time"
)

const (
	// PriorityMin is the most urgent priority.
	PriorityMin = 1
	// PriorityMax is the least urgent priority and the demotion cap.
	PriorityMax = 5
)

// Payload is the opaque alert content. The dispatch core never interprets it
// beyond Category (for the delivery journal) and the cooldown key carried on
// the Alert itself.
type Payload struct {
	Title    string
	Body     string
	Category string
}

// Alert is one unit of dispatch work.
//
// Ownership: once enqueued, an Alert belongs to the queue until the single
// dispatch worker pops it. Only the worker mutates Priority and Attempts.
type Alert struct {
	// Priority is 1 (highest) to 5 (lowest). Mutated only by demotion on
	// throttle.
	Priority int

	// Seq is a queue-assigned monotonic counter used as the tie-breaker
	// among equal priorities. It replaces wall-clock tie-breaking so retried
	// or simultaneously enqueued alerts can never collide.
	Seq uint64

	// EnqueuedAt is kept for age diagnostics only; ordering uses Seq.
	EnqueuedAt time.Time

	Payload     Payload
	CooldownKey string

	// Attempts counts delivery attempts so far. Throttles do not count.
	Attempts int

	// Admitted is set once the alert has passed the cooldown gate. Retries
	// and throttle requeues skip the gate so an alert can never be
	// suppressed by its own first attempt.
	Admitted bool
}

// ValidatePriority rejects out-of-range priorities. Validation is fail-fast:
// the core never silently clamps a caller mistake.
func ValidatePriority(p int) error {
	if p < PriorityMin || p > PriorityMax {
		return fmt.Errorf("priority %d out of range [%d..%d]", p, PriorityMin, PriorityMax)
	}
	return nil
}

// ValidatePayload rejects alerts with no renderable content.
func ValidatePayload(p Payload) error {
	if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("payload requires a title or a body")
	}
	return nil
}

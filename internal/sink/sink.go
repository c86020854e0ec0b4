// Package sink abstracts the delivery endpoint for formatted alerts.
//
// A sink reports transport problems via the returned error and HTTP-level
// outcomes via Result.StatusCode; classifying those into success / throttle /
// transient failure is dispatch policy, not sink policy.
package sink

import "context"

// Message is the formatted content handed to a sink.
type Message struct {
	Title    string
	Body     string
	Category string
	Priority int
}

// Result carries the endpoint's HTTP-equivalent response code.
// Non-HTTP sinks synthesize the closest code (200 / 429 / 502).
type Result struct {
	StatusCode int
}

type Sink interface {
	// Deliver sends one message. err is reserved for transport-level
	// failures (dial, timeout); an HTTP error status is not an err.
	Deliver(ctx context.Context, m Message) (Result, error)

	// Name identifies the sink in logs and journal entries.
	Name() string
}

// prefixFor tags rendered text by urgency (priority 1 is most urgent).
func prefixFor(priority int) string {
	switch {
	case priority <= 1:
		return "[CRITICAL] "
	case priority == 2:
		return "[HIGH] "
	case priority == 3:
		return "[NOTICE] "
	default:
		return ""
	}
}

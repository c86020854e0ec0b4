// Package queue provides the ordered buffer between alert producers and the
// single dispatch worker.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"alertpipe/internal/alert"
)

// Queue orders alerts by (priority, seq): lower priority number first, FIFO
// within a priority. Seq is assigned at push time from a monotonic counter,
// so re-enqueued alerts always sort behind their equal-priority peers.
//
// The queue itself never drops an alert; drops are dispatch policy.
// Any number of producers may Push concurrently; Pop is meant for the single
// worker.
type Queue struct {
	mu     sync.Mutex
	items  alertHeap
	seq    uint64
	closed bool

	// sig wakes a blocked Pop after a Push. Capacity 1 is enough for the
	// single-consumer contract.
	sig chan struct{}
}

func New() *Queue {
	return &Queue{sig: make(chan struct{}, 1)}
}

// Push inserts the alert and stamps its Seq. EnqueuedAt is refreshed so age
// diagnostics reflect the latest (re-)enqueue.
func (q *Queue) Push(a *alert.Alert) {
	if a == nil {
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	a.Seq = q.seq
	a.EnqueuedAt = time.Now()
	heap.Push(&q.items, a)
	q.mu.Unlock()

	select {
	case q.sig <- struct{}{}:
	default:
	}
}

// Pop removes the most urgent alert, blocking up to timeout while the queue
// is empty. It returns (nil, false) on timeout or after Close, which lets the
// worker loop poll its shutdown flag.
func (q *Queue) Pop(timeout time.Duration) (*alert.Alert, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			a := heap.Pop(&q.items).(*alert.Alert)
			q.mu.Unlock()
			return a, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, false
		}
		t := time.NewTimer(remain)
		select {
		case <-q.sig:
			t.Stop()
		case <-t.C:
		}
	}
}

// Close wakes any blocked Pop. Pending items stay poppable; new pushes are
// ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.sig <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called. Together with an empty Pop
// it tells the consumer the queue is fully drained.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Depths reports the pending count per priority bucket.
func (q *Queue) Depths() map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int]int, alert.PriorityMax)
	for _, a := range q.items {
		out[a.Priority]++
	}
	return out
}

// ---- heap plumbing ----

type alertHeap []*alert.Alert

func (h alertHeap) Len() int { return len(h) }

func (h alertHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h alertHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *alertHeap) Push(x any) { *h = append(*h, x.(*alert.Alert)) }

func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}

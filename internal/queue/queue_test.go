package queue

import (
	"testing"
	"time"

	"alertpipe/internal/alert"
)

func mk(priority int, title string) *alert.Alert {
	return &alert.Alert{Priority: priority, Payload: alert.Payload{Title: title}}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(mk(3, "c"))
	q.Push(mk(1, "a"))
	q.Push(mk(5, "e"))
	q.Push(mk(2, "b"))

	want := []string{"a", "b", "c", "e"}
	for _, w := range want {
		a, ok := q.Pop(10 * time.Millisecond)
		if !ok {
			t.Fatalf("Pop returned empty, want %q", w)
		}
		if a.Payload.Title != w {
			t.Fatalf("Pop = %q, want %q", a.Payload.Title, w)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	q := New()
	for _, title := range []string{"first", "second", "third"} {
		q.Push(mk(2, title))
	}
	for _, want := range []string{"first", "second", "third"} {
		a, ok := q.Pop(10 * time.Millisecond)
		if !ok || a.Payload.Title != want {
			t.Fatalf("Pop = %v/%v, want %q", a, ok, want)
		}
	}
}

func TestReenqueueSortsBehindPeers(t *testing.T) {
	t.Parallel()
	q := New()
	a := mk(2, "retry-me")
	q.Push(a)
	got, _ := q.Pop(10 * time.Millisecond)
	q.Push(mk(2, "newer"))
	q.Push(got) // re-enqueue at same priority: fresh seq

	first, _ := q.Pop(10 * time.Millisecond)
	if first.Payload.Title != "newer" {
		t.Fatalf("re-enqueued alert should sort behind peers, got %q first", first.Payload.Title)
	}
	if a.Seq <= first.Seq {
		t.Fatalf("re-enqueue must assign a fresh seq (%d vs %d)", a.Seq, first.Seq)
	}
}

func TestPopTimeout(t *testing.T) {
	t.Parallel()
	q := New()
	start := time.Now()
	if _, ok := q.Pop(30 * time.Millisecond); ok {
		t.Fatal("Pop on empty queue should time out")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("Pop returned too early: %v", elapsed)
	}
}

func TestPopWakesOnPush(t *testing.T) {
	t.Parallel()
	q := New()
	done := make(chan *alert.Alert, 1)
	go func() {
		a, _ := q.Pop(2 * time.Second)
		done <- a
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(mk(1, "wake"))

	select {
	case a := <-done:
		if a == nil || a.Payload.Title != "wake" {
			t.Fatalf("woken Pop = %v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestCloseWakesAndDrains(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(mk(1, "pending"))
	q.Close()

	// Pending items remain poppable after Close.
	if a, ok := q.Pop(10 * time.Millisecond); !ok || a.Payload.Title != "pending" {
		t.Fatalf("Pop after Close = %v/%v", a, ok)
	}
	// Then Pop returns immediately without waiting for the timeout.
	start := time.Now()
	if _, ok := q.Pop(5 * time.Second); ok {
		t.Fatal("Pop on closed empty queue should return empty")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Pop on closed queue should not block")
	}

	// New pushes are ignored.
	q.Push(mk(1, "late"))
	if q.Len() != 0 {
		t.Fatal("Push after Close should be ignored")
	}
}

func TestDepths(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(mk(1, "a"))
	q.Push(mk(1, "b"))
	q.Push(mk(4, "c"))

	d := q.Depths()
	if d[1] != 2 || d[4] != 1 {
		t.Fatalf("Depths = %v, want 2 at p1 and 1 at p4", d)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cogtest/internal/assignment"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSaver struct {
	mu    sync.Mutex
	saved map[string]string
	calls []string
	fail  map[string]int
}

func newRecordingSaver() *recordingSaver {
	return &recordingSaver{saved: map[string]string{}, fail: map[string]int{}}
}

func (s *recordingSaver) Save(_ context.Context, questionID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, questionID+"="+raw)
	if s.fail[questionID] > 0 {
		s.fail[questionID]--
		return fmt.Errorf("%w: connection reset", ErrTransport)
	}
	s.saved[questionID] = raw
	return nil
}

func TestQueueCoalescesPerQuestion(t *testing.T) {
	saver := newRecordingSaver()
	q := NewQueue(saver.Save)
	q.Enqueue("q1", "A")
	q.Enqueue("q2", "x")
	q.Enqueue("q1", "C")

	if q.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Pending())
	}
	ids := q.PendingIDs()
	if len(ids) != 2 || ids[0] != "q2" || ids[1] != "q1" {
		t.Fatalf("unexpected pending order %v", ids)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if saver.saved["q1"] != "C" || saver.saved["q2"] != "x" {
		t.Fatalf("unexpected saved %v", saver.saved)
	}
	if len(saver.calls) != 2 {
		t.Fatalf("expected 2 saves, got %v", saver.calls)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueKeepsFailedEntryAndBacksOff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	saver := newRecordingSaver()
	saver.fail["q1"] = 1

	var warnings []int
	q := NewQueue(saver.Save,
		withClock(clock.Now),
		WithBackoff(time.Second, 8*time.Second),
		WithWarningFunc(func(questionID string, attempt int, err error) {
			warnings = append(warnings, attempt)
		}),
	)
	q.Enqueue("q1", "A")

	if err := q.Drain(context.Background()); err == nil {
		t.Fatalf("expected delivery error")
	}
	if q.Pending() != 1 {
		t.Fatalf("failed entry must stay queued")
	}
	if len(warnings) != 1 || warnings[0] != 1 {
		t.Fatalf("unexpected warnings %v", warnings)
	}

	// still inside the backoff window
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain during backoff: %v", err)
	}
	if len(saver.calls) != 1 {
		t.Fatalf("expected no retry during backoff, got %v", saver.calls)
	}

	clock.Advance(time.Second)
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain after backoff: %v", err)
	}
	if q.Pending() != 0 || saver.saved["q1"] != "A" {
		t.Fatalf("expected delivery after backoff, saved=%v", saver.saved)
	}
}

func TestQueueBackoffIsCapped(t *testing.T) {
	q := NewQueue(nil, WithBackoff(time.Second, 5*time.Second))
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := q.backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestQueueReplaceWhileInFlightKeepsNewerPayload(t *testing.T) {
	var q *Queue
	var calls []string
	q = NewQueue(func(_ context.Context, questionID, raw string) error {
		calls = append(calls, raw)
		if raw == "old" {
			q.Enqueue(questionID, "new")
		}
		return nil
	})
	q.Enqueue("q1", "old")

	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("newer payload must stay queued")
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if q.Pending() != 0 || len(calls) != 2 || calls[1] != "new" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestFlushRetriesUntilDelivered(t *testing.T) {
	saver := newRecordingSaver()
	saver.fail["q1"] = 2
	q := NewQueue(saver.Save, WithBackoff(time.Millisecond, 2*time.Millisecond), WithFlushAttempts(5))
	q.Enqueue("q1", "A")

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if saver.saved["q1"] != "A" || len(saver.calls) != 3 {
		t.Fatalf("unexpected calls %v", saver.calls)
	}
}

func TestFlushGivesUpWithTransportError(t *testing.T) {
	saver := newRecordingSaver()
	saver.fail["q1"] = 100
	q := NewQueue(saver.Save, WithBackoff(time.Millisecond, time.Millisecond), WithFlushAttempts(2))
	q.Enqueue("q1", "A")

	err := q.Flush(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var fe *FlushError
	if !errors.As(err, &fe) || len(fe.Pending) != 1 || fe.Pending[0] != "q1" {
		t.Fatalf("unexpected flush error %#v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("undelivered answer must stay queued")
	}
}

func TestQueueDropsRejectedSave(t *testing.T) {
	var (
		calls    int
		warnings []error
	)
	q := NewQueue(func(context.Context, string, string) error {
		calls++
		return assignment.ErrAlreadyCompleted
	},
		WithBackoff(time.Millisecond, time.Millisecond),
		WithFlushAttempts(3),
		WithWarningFunc(func(questionID string, attempt int, err error) {
			warnings = append(warnings, err)
		}),
	)
	q.Enqueue("q1", "A")

	err := q.Flush(context.Background())
	if !errors.Is(err, assignment.ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("rejection must not be reported as transport failure: %v", err)
	}
	var fe *FlushError
	if !errors.As(err, &fe) || len(fe.Pending) != 0 || len(fe.Rejected) != 1 || fe.Rejected[0] != "q1" {
		t.Fatalf("unexpected flush error %#v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single save, got %d", calls)
	}
	if q.Pending() != 0 {
		t.Fatalf("rejected answer must leave the queue")
	}
	if len(warnings) != 1 || !errors.Is(warnings[0], assignment.ErrAlreadyCompleted) {
		t.Fatalf("unexpected warnings %v", warnings)
	}
}

func TestFlushReportsRejectionAlongsideTransportFailure(t *testing.T) {
	q := NewQueue(func(_ context.Context, questionID, _ string) error {
		if questionID == "q1" {
			return assignment.ErrQuestionNotInTest
		}
		return fmt.Errorf("%w: connection reset", ErrTransport)
	}, WithBackoff(time.Millisecond, time.Millisecond), WithFlushAttempts(2))
	q.Enqueue("q1", "A")
	q.Enqueue("q2", "B")

	err := q.Flush(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, assignment.ErrQuestionNotInTest) {
		t.Fatalf("expected both causes, got %v", err)
	}
	var fe *FlushError
	if !errors.As(err, &fe) || len(fe.Pending) != 1 || fe.Pending[0] != "q2" || len(fe.Rejected) != 1 || fe.Rejected[0] != "q1" {
		t.Fatalf("unexpected flush error %#v", err)
	}
}

func TestFlushStopsOnContext(t *testing.T) {
	saver := newRecordingSaver()
	saver.fail["q1"] = 100
	q := NewQueue(saver.Save, WithBackoff(time.Hour, time.Hour), WithFlushAttempts(3))
	q.Enqueue("q1", "A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunDeliversInBackground(t *testing.T) {
	saved := make(chan string, 4)
	q := NewQueue(func(_ context.Context, questionID, raw string) error {
		saved <- questionID + "=" + raw
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	q.Enqueue("q1", "A")
	select {
	case got := <-saved:
		if got != "q1=A" {
			t.Fatalf("unexpected save %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("background delivery timed out")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

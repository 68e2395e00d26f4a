package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SaveFunc persists one answer.
type SaveFunc func(ctx context.Context, questionID, raw string) error

// WarningFunc is told about every failed delivery attempt. A transport
// failure keeps the entry queued; any other error drops it.
type WarningFunc func(questionID string, attempt int, err error)

const (
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 30 * time.Second
	defaultFlushAttempts = 3
)

type entry struct {
	questionID string
	raw        string
	seq        uint64
	attempts   int
	notBefore  time.Time
}

// Queue is a write-ahead buffer of answer saves keyed by question id.
// Enqueueing a question that is already pending replaces its payload.
// Delivery is at-least-once: an entry leaves the queue only after a save of
// its latest payload succeeded or the server rejected it for good.
type Queue struct {
	save SaveFunc
	warn WarningFunc
	now  func() time.Time

	baseDelay     time.Duration
	maxDelay      time.Duration
	flushAttempts int

	mu      sync.Mutex
	seq     uint64
	pending map[string]*entry
	wake    chan struct{}
}

type QueueOption func(*Queue)

func WithWarningFunc(fn WarningFunc) QueueOption {
	return func(q *Queue) { q.warn = fn }
}

func WithBackoff(base, max time.Duration) QueueOption {
	return func(q *Queue) {
		if base > 0 {
			q.baseDelay = base
		}
		if max >= base {
			q.maxDelay = max
		}
	}
}

// WithFlushAttempts bounds how many rounds Flush tries before giving up.
func WithFlushAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.flushAttempts = n
		}
	}
}

func withClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(save SaveFunc, opts ...QueueOption) *Queue {
	q := &Queue{
		save:          save,
		warn:          func(string, int, error) {},
		now:           time.Now,
		baseDelay:     defaultBaseDelay,
		maxDelay:      defaultMaxDelay,
		flushAttempts: defaultFlushAttempts,
		pending:       make(map[string]*entry),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(questionID, raw string) {
	q.mu.Lock()
	q.seq++
	q.pending[questionID] = &entry{questionID: questionID, raw: raw, seq: q.seq}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingIDs lists queued question ids in enqueue order.
func (q *Queue) PendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idsLocked()
}

func (q *Queue) idsLocked() []string {
	items := make([]*entry, 0, len(q.pending))
	for _, e := range q.pending {
		items = append(items, e)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	ids := make([]string, len(items))
	for i, e := range items {
		ids[i] = e.questionID
	}
	return ids
}

func (q *Queue) due(force bool) []entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]entry, 0, len(q.pending))
	for _, e := range q.pending {
		if force || !now.Before(e.notBefore) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempts && d < q.maxDelay; i++ {
		d *= 2
	}
	if d > q.maxDelay {
		d = q.maxDelay
	}
	return d
}

// retryable reports whether a failed save may succeed later. Server
// rejections such as already_completed never will.
func retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// settle records the outcome of one save. It reports whether the entry was
// dropped because the server rejected it.
func (q *Queue) settle(e entry, err error) bool {
	q.mu.Lock()
	cur, ok := q.pending[e.questionID]
	if !ok || cur.seq != e.seq {
		// replaced while in flight; the newer payload is still queued
		q.mu.Unlock()
		if err != nil {
			q.warn(e.questionID, e.attempts+1, err)
		}
		return false
	}
	if err == nil {
		delete(q.pending, e.questionID)
		q.mu.Unlock()
		return false
	}
	cur.attempts++
	attempt := cur.attempts
	rejected := !retryable(err)
	if rejected {
		delete(q.pending, e.questionID)
	} else {
		cur.notBefore = q.now().Add(q.backoff(cur.attempts))
	}
	q.mu.Unlock()
	q.warn(e.questionID, attempt, err)
	return rejected
}

// Drain attempts every entry whose backoff has elapsed once. It returns the
// joined delivery errors.
func (q *Queue) Drain(ctx context.Context) error {
	res := q.drain(ctx, false)
	if res.ctxErr != nil {
		return res.ctxErr
	}
	return errors.Join(append(res.retry, res.rejected...)...)
}

type drainResult struct {
	retry       []error
	rejected    []error
	rejectedIDs []string
	ctxErr      error
}

func (q *Queue) drain(ctx context.Context, force bool) drainResult {
	var res drainResult
	for _, e := range q.due(force) {
		if err := ctx.Err(); err != nil {
			res.ctxErr = err
			return res
		}
		err := q.save(ctx, e.questionID, e.raw)
		if err == nil {
			q.settle(e, nil)
			continue
		}
		wrapped := fmt.Errorf("save %s: %w", e.questionID, err)
		if q.settle(e, err) {
			res.rejected = append(res.rejected, wrapped)
			res.rejectedIDs = append(res.rejectedIDs, e.questionID)
		} else {
			res.retry = append(res.retry, wrapped)
		}
	}
	return res
}

// FlushError reports answers that Flush could not persist. Pending entries
// are still queued after a transport failure; Rejected entries were refused
// by the server and dropped.
type FlushError struct {
	Pending  []string
	Rejected []string
	Err      error
}

func (e *FlushError) Error() string {
	ids := append(append([]string(nil), e.Pending...), e.Rejected...)
	return fmt.Sprintf("%d answers not persisted (%s): %v", len(ids), strings.Join(ids, ", "), e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Flush drains until the queue is empty, the context ends or the retry
// budget is spent. Backoff is honored between rounds but not for the first.
// Rejected answers are reported once the queue is otherwise empty.
func (q *Queue) Flush(ctx context.Context) error {
	var (
		last        error
		rejected    []error
		rejectedIDs []string
	)
	for round := 0; round < q.flushAttempts; round++ {
		if round > 0 {
			t := time.NewTimer(q.backoff(round))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		res := q.drain(ctx, true)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rejected = append(rejected, res.rejected...)
		rejectedIDs = append(rejectedIDs, res.rejectedIDs...)
		if q.Pending() == 0 {
			if len(rejected) == 0 {
				return nil
			}
			return &FlushError{Rejected: rejectedIDs, Err: errors.Join(rejected...)}
		}
		if len(res.retry) > 0 {
			last = errors.Join(res.retry...)
		}
	}
	if last == nil {
		last = fmt.Errorf("%w: answers still queued", ErrTransport)
	}
	return &FlushError{
		Pending:  q.PendingIDs(),
		Rejected: rejectedIDs,
		Err:      errors.Join(append([]error{last}, rejected...)...),
	}
}

func (q *Queue) nextWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return -1
	}
	now := q.now()
	wait := q.maxDelay
	for _, e := range q.pending {
		if d := e.notBefore.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Run delivers queued answers in the background until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	for {
		var (
			t     *time.Timer
			fired <-chan time.Time
		)
		if wait := q.nextWait(); wait >= 0 {
			t = time.NewTimer(wait)
			fired = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-q.wake:
		case <-fired:
		}
		if t != nil {
			t.Stop()
		}
		_ = q.Drain(ctx)
	}
}

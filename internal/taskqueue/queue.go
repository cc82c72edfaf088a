// Package taskqueue runs deferred work on one dedicated worker goroutine.
//
// Units are executed strictly in submission order. Callers choose between
// fire-and-forget submission (SubmitAsync) and blocking submission
// (SubmitSync); a SubmitSync issued from the worker goroutine executes inline
// so the worker never waits on itself, whatever context the task passes.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed     = errors.New("taskqueue: queue closed")
	ErrDiscarded  = errors.New("taskqueue: task discarded")
	ErrTimeout    = errors.New("taskqueue: timed out waiting for task")
	ErrWaitBudget = errors.New("taskqueue: bounded wait budget exceeded")
)

const (
	// BoundedWaitBudget caps how long a caller marked with WithBoundedWait
	// may block in SubmitSync.
	BoundedWaitBudget = 1000 * time.Millisecond
	boundedPollStep   = 100 * time.Millisecond
)

// StopMode selects what happens to pending units on Stop.
type StopMode int

const (
	// Discard drops pending units. Their completion still fires with ErrDiscarded.
	Discard StopMode = iota
	// Drain runs every pending unit before the worker exits.
	Drain
)

func (m StopMode) String() string {
	if m == Drain {
		return "drain"
	}
	return "discard"
}

// Task is one unit of work. ctx is the worker context. A nested SubmitSync
// from the task runs inline with or without it.
type Task func(ctx context.Context)

type unit struct {
	fn     Task
	done   chan error // sync units only
	notify func(error)
}

func (u *unit) complete(err error) {
	if u.done != nil {
		u.done <- err
	}
	if u.notify != nil {
		u.notify(err)
	}
}

type workerKey struct{}
type boundedKey struct{}

// WithBoundedWait marks ctx as belonging to a caller that must not block
// indefinitely. SubmitSync then waits at most BoundedWaitBudget.
func WithBoundedWait(ctx context.Context) context.Context {
	return context.WithValue(ctx, boundedKey{}, true)
}

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Discarded uint64
	Panics    uint64
	Pending   int
}

// Queue is a FIFO of task units drained by a single worker goroutine.
type Queue struct {
	name     string
	maxDepth int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*unit
	closed  bool
	drain   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool

	workerID atomic.Uint64

	submitted uint64
	completed uint64
	rejected  uint64
	discarded uint64
	panics    uint64
}

// New creates a queue. maxDepth > 0 bounds the number of pending units
// accepted by SubmitAsync; 0 means unbounded.
func New(name string, maxDepth int) *Queue {
	q := &Queue{name: name, maxDepth: maxDepth}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start spawns the worker goroutine. Units submitted before Start wait in
// the queue.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("taskqueue: %s already started", q.name)
	}
	if q.closed {
		return ErrClosed
	}

	q.ctx, q.cancel = context.WithCancel(context.WithValue(ctx, workerKey{}, q))
	q.started = true

	q.wg.Add(1)
	go q.loop()

	slog.Debug("taskqueue: worker started", "queue", q.name, "max_depth", q.maxDepth)
	return nil
}

// SubmitAsync enqueues fn and returns immediately. It returns false when the
// queue is closed or maxDepth pending units are already waiting.
func (q *Queue) SubmitAsync(fn Task) bool {
	return q.SubmitAsyncNotify(fn, nil)
}

// SubmitAsyncNotify is SubmitAsync with a completion callback. onDone runs on
// the worker goroutine, or on the goroutine calling Stop for discarded units.
func (q *Queue) SubmitAsyncNotify(fn Task, onDone func(error)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		atomic.AddUint64(&q.rejected, 1)
		return false
	}
	if q.maxDepth > 0 && len(q.pending) >= q.maxDepth {
		atomic.AddUint64(&q.rejected, 1)
		slog.Debug("taskqueue: queue full, rejecting task", "queue", q.name, "depth", len(q.pending))
		return false
	}

	q.pending = append(q.pending, &unit{fn: fn, notify: onDone})
	atomic.AddUint64(&q.submitted, 1)
	q.cond.Signal()
	return true
}

// SubmitSync enqueues fn and blocks until it has run.
//
// Behavior:
//   - called from the worker goroutine (nested call): fn runs inline
//   - timeout > 0: returns ErrTimeout if fn has not completed in time
//   - ctx marked with WithBoundedWait: waits at most BoundedWaitBudget,
//     polling every 100ms, then returns ErrWaitBudget
//   - ctx cancelled: returns ctx.Err()
//
// maxDepth does not apply to synchronous units. A unit abandoned by a
// timeout still runs later; its result is dropped.
func (q *Queue) SubmitSync(ctx context.Context, fn Task, timeout time.Duration) error {
	if q.onWorker(ctx) {
		if ctx.Value(workerKey{}) == nil {
			ctx = q.ctx
		}
		return q.run(ctx, &unit{fn: fn})
	}

	u := &unit{fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		atomic.AddUint64(&q.rejected, 1)
		return ErrClosed
	}
	q.pending = append(q.pending, u)
	atomic.AddUint64(&q.submitted, 1)
	q.cond.Signal()
	q.mu.Unlock()

	if bounded, _ := ctx.Value(boundedKey{}).(bool); bounded {
		budget := BoundedWaitBudget
		if timeout > 0 && timeout < budget {
			budget = timeout
		}
		return q.pollWait(ctx, u, budget)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-u.done:
		return err
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onWorker reports whether the caller runs on this queue's worker goroutine.
func (q *Queue) onWorker(ctx context.Context) bool {
	if owner, _ := ctx.Value(workerKey{}).(*Queue); owner == q {
		return true
	}
	id := q.workerID.Load()
	return id != 0 && id == goroutineID()
}

func (q *Queue) pollWait(ctx context.Context, u *unit, budget time.Duration) error {
	ticker := time.NewTicker(boundedPollStep)
	defer ticker.Stop()

	var waited time.Duration
	for {
		select {
		case err := <-u.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			waited += boundedPollStep
			if waited >= budget {
				slog.Error("taskqueue: bounded caller gave up waiting for task",
					"queue", q.name,
					"budget", budget,
				)
				return ErrWaitBudget
			}
		}
	}
}

// Stop closes the queue and waits for the worker to exit. Idempotent.
// Must not be called from inside a task.
func (q *Queue) Stop(mode StopMode) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.closed = true
	q.drain = mode == Drain

	var dropped []*unit
	if mode == Discard {
		dropped = q.pending
		q.pending = nil
	}
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, u := range dropped {
		atomic.AddUint64(&q.discarded, 1)
		u.complete(ErrDiscarded)
	}

	if started {
		q.wg.Wait()
		q.cancel()
	} else if mode == Drain {
		// Never started: nothing can drain the backlog.
		q.discardAll()
	}

	slog.Debug("taskqueue: stopped", "queue", q.name, "mode", mode.String(), "discarded", len(dropped))
}

func (q *Queue) discardAll() {
	q.mu.Lock()
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, u := range rest {
		atomic.AddUint64(&q.discarded, 1)
		u.complete(ErrDiscarded)
	}
}

// Len returns the number of pending units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadUint64(&q.submitted),
		Completed: atomic.LoadUint64(&q.completed),
		Rejected:  atomic.LoadUint64(&q.rejected),
		Discarded: atomic.LoadUint64(&q.discarded),
		Panics:    atomic.LoadUint64(&q.panics),
		Pending:   q.Len(),
	}
}

// loop is the worker goroutine. It exits once the queue is closed and, in
// drain mode, empty.
func (q *Queue) loop() {
	defer q.wg.Done()
	q.workerID.Store(goroutineID())
	defer q.workerID.Store(0)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 || (q.closed && !q.drain) {
			q.mu.Unlock()
			return
		}
		u := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		u.complete(q.run(q.ctx, u))
	}
}

// run executes one unit, converting a panic into an error.
func (q *Queue) run(ctx context.Context, u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&q.panics, 1)
			err = fmt.Errorf("taskqueue: task panicked: %v", r)
			slog.Error("taskqueue: task panicked", "queue", q.name, "panic", r)
		}
		atomic.AddUint64(&q.completed, 1)
	}()

	u.fn(ctx)
	return nil
}

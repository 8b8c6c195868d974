// Package engine implements the single-threaded scheduler and
// dissemination pipeline: one goroutine owns all overlay state, work
// reaches it only via Call (synchronous) or Register (fire-and-forget),
// and delayed work is ordered by a monotonic, insertion-tiebroken
// priority queue.
package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EarlyShutdown is raised at a task's next suspension point once Shutdown
// has been called.
type EarlyShutdown struct{}

func (EarlyShutdown) Error() string { return "engine: early shutdown" }

// EarlyShutdownGrace is how long Shutdown waits for priority >= -512 tasks
// to drain before reporting an improper stop.
const EarlyShutdownGrace = 10 * time.Second

// DrainPriorityThreshold is the minimum priority Shutdown waits to drain;
// tasks below it are abandoned immediately.
const DrainPriorityThreshold = -512

// TaskFunc is one unit of engine work. It receives a context canceled once
// Shutdown begins, so a long-running task can observe EarlyShutdown at its
// next suspension point.
type TaskFunc func(ctx context.Context) error

type task struct {
	runAt    time.Time
	seq      uint64
	priority int
	fn       TaskFunc
	result   chan error // non-nil for Call; nil for Register
}

// taskQueue is a container/heap min-heap ordered by runAt, ties broken
// by insertion sequence.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].runAt.Equal(q[j].runAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].runAt.Before(q[j].runAt)
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	*q = old[:n-1]
	return t
}

// ExceptionHook is invoked whenever a task panics or returns a non-nil
// error.
type ExceptionHook func(err error)

// Engine is the single-threaded scheduler. Construct with New, then call
// Run in its own goroutine.
type Engine struct {
	log    *slog.Logger
	strict bool
	hook   ExceptionHook

	mu       sync.Mutex
	queue    taskQueue
	nextSeq  uint64
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	fatal atomic.Bool
}

// New constructs an Engine. strict mode (the default for tests) makes
// any task error or panic fatal: it invokes hook (if set) and then
// begins shutdown.
func New(strict bool, hook ExceptionHook, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		log:     log,
		strict:  strict,
		hook:    hook,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *Engine) enqueue(t *task) {
	e.mu.Lock()
	t.seq = e.nextSeq
	e.nextSeq++
	heap.Push(&e.queue, t)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Register schedules fn to run on the engine goroutine at priority,
// fire-and-forget.
func (e *Engine) Register(priority int, fn TaskFunc) {
	e.enqueue(&task{runAt: time.Now(), priority: priority, fn: fn})
}

// ScheduleAfter schedules fn to run after delay, the systems-language
// analogue of a generator's `yield delay` suspension.
func (e *Engine) ScheduleAfter(delay time.Duration, priority int, fn TaskFunc) {
	e.enqueue(&task{runAt: time.Now().Add(delay), priority: priority, fn: fn})
}

// Call schedules fn and blocks until it has run, returning its error.
// Call must never be invoked from within a
// task running on this engine: the engine is single-threaded, so that
// would deadlock.
func (e *Engine) Call(fn TaskFunc) error {
	result := make(chan error, 1)
	e.enqueue(&task{runAt: time.Now(), fn: fn, result: result})
	select {
	case err := <-result:
		return err
	case <-e.stopped:
		return EarlyShutdown{}
	}
}

// Run executes the scheduler loop until ctx (the Engine's own internal
// context, not a caller's) is canceled via Shutdown. Run is meant to be
// the body of the engine's single goroutine.
func (e *Engine) Run() {
	defer close(e.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e.mu.Lock()
		var nextRunAt time.Time
		if len(e.queue) > 0 {
			nextRunAt = e.queue[0].runAt
		}
		e.mu.Unlock()

		var wait time.Duration
		if nextRunAt.IsZero() {
			wait = time.Hour
		} else {
			wait = time.Until(nextRunAt)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-e.ctx.Done():
			e.drainRemaining()
			return
		case <-e.wake:
			e.runDue()
		case <-timer.C:
			e.runDue()
		}
	}
}

func (e *Engine) runDue() {
	now := time.Now()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 || e.queue[0].runAt.After(now) {
			e.mu.Unlock()
			return
		}
		t := heap.Pop(&e.queue).(*task)
		e.mu.Unlock()
		e.execute(t)
	}
}

func (e *Engine) execute(t *task) {
	err := e.runProtected(t)
	if t.result != nil {
		t.result <- err
	}
	if err != nil {
		e.onTaskError(err)
	}
}

func (e *Engine) runProtected(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: task panic: %v", r)
		}
	}()
	return t.fn(e.ctx)
}

func (e *Engine) onTaskError(err error) {
	if errors.Is(err, EarlyShutdown{}) {
		return
	}
	e.log.Warn("engine: task error", slog.String("err", err.Error()))
	if e.hook != nil {
		e.hook(err)
	}
	if e.strict {
		e.fatal.Store(true)
		// Begin shutdown without waiting: onTaskError runs on the engine
		// goroutine, and Shutdown's drain wait would block it against
		// itself for the full grace period.
		e.stopOnce.Do(e.cancel)
	}
}

// drainRemaining runs every still-queued task at priority >=
// DrainPriorityThreshold once, in queue order, then discards the rest.
func (e *Engine) drainRemaining() {
	e.mu.Lock()
	remaining := e.queue
	e.queue = nil
	e.mu.Unlock()

	heap.Init(&remaining)
	for remaining.Len() > 0 {
		t := heap.Pop(&remaining).(*task)
		if t.priority < DrainPriorityThreshold {
			if t.result != nil {
				t.result <- EarlyShutdown{}
			}
			continue
		}
		err := e.runProtected(t)
		if t.result != nil {
			t.result <- err
		}
	}
}

// Shutdown cancels the engine's context and waits up to grace for Run to
// finish draining. It returns an error ("improper stop") if Run does not
// finish within grace.
func (e *Engine) Shutdown(grace time.Duration) error {
	e.stopOnce.Do(e.cancel)
	select {
	case <-e.stopped:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("engine: improper stop: tasks did not drain within %s", grace)
	}
}

// Fatal reports whether strict mode has already triggered a shutdown due
// to a task error.
func (e *Engine) Fatal() bool { return e.fatal.Load() }

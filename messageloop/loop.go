// Package messageloop services task queues from a taskqueue.Registry.
//
// A Loop is the goroutine-level stand-in for "the OS thread servicing a
// queue": it owns one queue, registers itself as that queue's wakeable and,
// while Run is active, executes due tasks one at a time. When another queue is
// merged into the loop's queue, the loop executes the merged queue's tasks
// too; when the loop's own queue is merged elsewhere it goes idle until
// unmerged.
//
// Tasks receive a context carrying the id of the queue being serviced
// (taskqueue.QueueIDFromContext), which is how code asks "am I on the
// platform loop?" without goroutine identity.
package messageloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/framesched/taskqueue"
)

var (
	ErrLoopRunning    = errors.New("messageloop: loop already running")
	ErrLoopTerminated = errors.New("messageloop: loop terminated")
)

// Loop services one task queue on the goroutine that calls Run.
type Loop struct {
	registry *taskqueue.Registry
	id       taskqueue.QueueID
	name     string
	logger   *slog.Logger

	wake chan struct{} // capacity 1, coalesces wake-ups

	timerMu sync.Mutex
	timer   *time.Timer

	running    atomic.Bool
	terminated atomic.Bool
	quit       chan struct{}
	quitOnce   sync.Once

	tasksRun atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithName labels the loop in logs ("platform", "raster", ...).
func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

// WithLogger sets the logger (slog.Default() otherwise).
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a queue in registry and a loop servicing it.
func New(registry *taskqueue.Registry, opts ...Option) (*Loop, error) {
	if registry == nil {
		return nil, fmt.Errorf("messageloop: registry is required")
	}

	l := &Loop{
		registry: registry,
		id:       registry.CreateTaskQueue(),
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.name == "" {
		l.name = l.id.String()
	}

	if err := registry.SetWakeable(l.id, l); err != nil {
		return nil, fmt.Errorf("messageloop: %w", err)
	}
	return l, nil
}

// QueueID returns the id of the queue this loop owns.
func (l *Loop) QueueID() taskqueue.QueueID { return l.id }

// Name returns the loop label.
func (l *Loop) Name() string { return l.name }

// TaskRunner returns a runner posting to this loop's queue.
func (l *Loop) TaskRunner() *TaskRunner {
	return &TaskRunner{registry: l.registry, id: l.id, logger: l.logger}
}

// TasksRun counts tasks executed by this loop.
func (l *Loop) TasksRun() uint64 { return l.tasksRun.Load() }

// WakeUp implements taskqueue.Wakeable. It is called with the registry lock
// held, so it only arms a timer or signals the wake channel.
func (l *Loop) WakeUp(at time.Time) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if at.IsZero() {
		return
	}

	d := time.Until(at)
	if d <= 0 {
		l.signal()
		return
	}
	l.timer = time.AfterFunc(d, l.signal)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run services the queue until ctx is done or Terminate is called. It
// returns ctx.Err() on cancellation and nil after Terminate.
func (l *Loop) Run(ctx context.Context) error {
	if l.terminated.Load() {
		return ErrLoopTerminated
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	l.logger.Debug("messageloop: running", "loop", l.name, "queue", l.id)

	taskCtx := taskqueue.WithQueueID(ctx, l.id)

	// Tasks posted before Run started may have fired their wake-up already.
	l.RunExpiredTasksNow(taskCtx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("messageloop: context cancelled", "loop", l.name)
			return ctx.Err()
		case <-l.quit:
			l.logger.Debug("messageloop: terminated", "loop", l.name)
			return nil
		case <-l.wake:
			l.RunExpiredTasksNow(taskCtx)
		}
	}
}

// RunExpiredTasksNow runs every task due now on the calling goroutine.
// ctx is tagged with this loop's queue id if it is not already.
func (l *Loop) RunExpiredTasksNow(ctx context.Context) {
	if id, ok := taskqueue.QueueIDFromContext(ctx); !ok || id != l.id {
		ctx = taskqueue.WithQueueID(ctx, l.id)
	}

	for {
		if l.terminated.Load() {
			return
		}
		task, ok := l.registry.NextTaskToRun(l.id, time.Now())
		if !ok {
			return
		}
		l.runTask(ctx, task)
	}
}

func (l *Loop) runTask(ctx context.Context, task taskqueue.Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("messageloop: task panicked",
				"loop", l.name,
				"panic", r)
		}
	}()
	l.tasksRun.Add(1)
	task(ctx)
}

// Terminate stops Run and disarms pending wake-ups. Pending tasks stay in
// the registry. Idempotent.
func (l *Loop) Terminate() {
	l.quitOnce.Do(func() {
		l.terminated.Store(true)
		close(l.quit)

		l.timerMu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.timerMu.Unlock()
	})
}

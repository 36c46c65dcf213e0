package messageloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/framesched/taskqueue"
)

// TaskRunner posts tasks to one queue. Tasks posted to the same runner run
// sequentially in posting order (for equal target times), on whichever loop
// currently services the queue.
type TaskRunner struct {
	registry *taskqueue.Registry
	id       taskqueue.QueueID
	logger   *slog.Logger
}

// NewTaskRunner returns a runner for queue id, logging to slog.Default().
func NewTaskRunner(registry *taskqueue.Registry, id taskqueue.QueueID) *TaskRunner {
	return &TaskRunner{registry: registry, id: id, logger: slog.Default()}
}

// QueueID returns the queue tasks are posted to.
func (r *TaskRunner) QueueID() taskqueue.QueueID { return r.id }

// PostTask queues task to run as soon as possible.
func (r *TaskRunner) PostTask(task taskqueue.Task) {
	r.PostTaskForTime(task, time.Now())
}

// PostDelayedTask queues task to run after delay.
func (r *TaskRunner) PostDelayedTask(task taskqueue.Task, delay time.Duration) {
	r.PostTaskForTime(task, time.Now().Add(delay))
}

// PostTaskForTime queues task to run no earlier than target. Posting to a
// disposed queue drops the task with a warning.
func (r *TaskRunner) PostTaskForTime(task taskqueue.Task, target time.Time) {
	if err := r.registry.RegisterTask(r.id, task, target); err != nil {
		r.logger.Warn("messageloop: task dropped",
			"queue", r.id,
			"error", err)
	}
}

// RunsTasksOnCurrentThread reports whether ctx belongs to a task running on
// the loop that services this runner's queue: either the queue's own loop,
// or the loop of a queue it is merged with (in either direction).
func (r *TaskRunner) RunsTasksOnCurrentThread(ctx context.Context) bool {
	current, ok := taskqueue.QueueIDFromContext(ctx)
	if !ok {
		return false
	}
	if current == r.id {
		return true
	}
	return r.registry.Owns(current, r.id) || r.registry.Owns(r.id, current)
}

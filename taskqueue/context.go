package taskqueue

import "context"

type queueKey struct{}

// WithQueueID returns a context recording that the caller is running a task
// on the loop servicing queue id.
func WithQueueID(ctx context.Context, id QueueID) context.Context {
	return context.WithValue(ctx, queueKey{}, id)
}

// QueueIDFromContext returns the queue whose loop is running the current
// task, or (None, false) outside of any loop.
func QueueIDFromContext(ctx context.Context) (QueueID, bool) {
	if ctx == nil {
		return None, false
	}
	id, ok := ctx.Value(queueKey{}).(QueueID)
	return id, ok
}

package taskqueue

import (
	"container/heap"
	"context"
	"time"
)

// Task is a unit of work run by the loop servicing a queue. ctx carries the
// id of the queue whose loop is running the task (see QueueIDFromContext).
type Task func(ctx context.Context)

// delayedTask orders by target time, then by registration order so tasks
// posted for the same instant run FIFO.
type delayedTask struct {
	order  uint64
	task   Task
	target time.Time
}

func (d delayedTask) before(o delayedTask) bool {
	if d.target.Equal(o.target) {
		return d.order < o.order
	}
	return d.target.Before(o.target)
}

// delayedQueue is a min-heap of delayedTask.
type delayedQueue []delayedTask

func (q delayedQueue) Len() int           { return len(q) }
func (q delayedQueue) Less(i, j int) bool { return q[i].before(q[j]) }
func (q delayedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *delayedQueue) Push(x any) { *q = append(*q, x.(delayedTask)) }

func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = delayedTask{}
	*q = old[:n-1]
	return t
}

func (q *delayedQueue) push(t delayedTask) { heap.Push(q, t) }

func (q *delayedQueue) pop() delayedTask { return heap.Pop(q).(delayedTask) }

func (q delayedQueue) top() (delayedTask, bool) {
	if len(q) == 0 {
		return delayedTask{}, false
	}
	return q[0], true
}

// Package taskqueue implements a registry of task queues addressed by opaque
// ids, with the ability to merge one queue into another.
//
// Each queue is serviced by one loop (see package messageloop). When queue S
// is merged into queue O, S stops being serviced by its own loop and O's loop
// runs tasks from both queues in target-time order. Unmerging restores the
// original arrangement. Tasks registered on S while merged are delivered by
// O's loop as if they had been registered on O.
//
// A single mutex guards the registry. Merge and Unmerge therefore wait for an
// in-progress drain (TasksToRunNow, NextTaskToRun) to release it, never the
// reverse. Tasks themselves run outside the lock.
package taskqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// QueueID identifies a task queue within a Registry.
type QueueID uint64

// None is the zero QueueID. No queue is ever created with it.
const None QueueID = 0

// String renders the id as "queue-N".
func (id QueueID) String() string {
	return fmt.Sprintf("queue-%d", uint64(id))
}

var (
	ErrUnknownQueue       = errors.New("taskqueue: unknown queue")
	ErrWakeableAlreadySet = errors.New("taskqueue: wakeable already set")
	ErrQueueSubsumed      = errors.New("taskqueue: queue is merged into another queue")
)

// Wakeable is notified when the queue it services has work due.
//
// WakeUp(at) asks for the loop to run at (or as soon as possible after) at.
// A zero at means nothing is pending and any armed wake-up may be cancelled.
// WakeUp is called with the registry lock held and must not call back into
// the registry.
type Wakeable interface {
	WakeUp(at time.Time)
}

type queueEntry struct {
	wakeable   Wakeable
	delayed    delayedQueue
	subsumedBy QueueID
	ownerOf    map[QueueID]struct{}
}

func newQueueEntry() *queueEntry {
	return &queueEntry{ownerOf: make(map[QueueID]struct{})}
}

// Registry owns a set of task queues. It is passed explicitly to every
// component that needs it; there is no process-wide instance.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[QueueID]*queueEntry
	lastID  QueueID
	order   uint64

	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger (slog.Default() otherwise).
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[QueueID]*queueEntry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateTaskQueue allocates a new, unmerged queue.
func (r *Registry) CreateTaskQueue() QueueID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	id := r.lastID
	r.entries[id] = newQueueEntry()
	return id
}

// Dispose removes a queue and its pending tasks. Queues merged into it are
// released back to the unmerged state (their own tasks are kept). Disposing
// a queue that is itself merged into another fails with ErrQueueSubsumed.
func (r *Registry) Dispose(id QueueID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownQueue, id)
	}
	if entry.subsumedBy != None {
		return fmt.Errorf("%w: %v is merged into %v", ErrQueueSubsumed, id, entry.subsumedBy)
	}

	for subsumed := range entry.ownerOf {
		if sub, ok := r.entries[subsumed]; ok {
			sub.subsumedBy = None
			if r.hasPendingTasksLocked(subsumed) {
				r.wakeUpLocked(subsumed, r.nextWakeTimeLocked(subsumed))
			}
		}
	}
	delete(r.entries, id)
	return nil
}

// DisposeTasks drops every pending task of id and of the queues merged into it.
func (r *Registry) DisposeTasks(id QueueID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return
	}
	entry.delayed = nil
	for subsumed := range entry.ownerOf {
		if sub, ok := r.entries[subsumed]; ok {
			sub.delayed = nil
		}
	}
	r.wakeUpLocked(id, time.Time{})
}

// RegisterTask queues task on id to run no earlier than target. The loop
// that currently services id (its owner's loop when merged) is woken.
func (r *Registry) RegisterTask(id QueueID, task Task, target time.Time) error {
	if task == nil {
		return fmt.Errorf("taskqueue: nil task for %v", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownQueue, id)
	}

	r.order++
	entry.delayed.push(delayedTask{order: r.order, task: task, target: target})

	servicing := id
	if entry.subsumedBy != None {
		servicing = entry.subsumedBy
	}
	if r.hasPendingTasksLocked(servicing) {
		r.wakeUpLocked(servicing, r.nextWakeTimeLocked(servicing))
	}
	return nil
}

// HasPendingTasks reports whether the loop servicing id has work. A queue
// merged into another never has pending tasks of its own: its owner does.
func (r *Registry) HasPendingTasks(id QueueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPendingTasksLocked(id)
}

// NumPendingTasks counts the tasks the loop servicing id would run,
// including those of queues merged into id. Zero for a subsumed queue.
func (r *Registry) NumPendingTasks(id QueueID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.subsumedBy != None {
		return 0
	}
	n := len(entry.delayed)
	for subsumed := range entry.ownerOf {
		if sub, ok := r.entries[subsumed]; ok {
			n += len(sub.delayed)
		}
	}
	return n
}

// NextTaskToRun pops the earliest task due at now among id and the queues
// merged into it. It re-arms id's wakeable for whatever remains.
func (r *Registry) NextTaskToRun(id QueueID, now time.Time) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextTaskToRunLocked(id, now)
}

// TasksToRunNow pops every task due at now, in execution order.
func (r *Registry) TasksToRunNow(id QueueID, now time.Time) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []Task
	for {
		task, ok := r.nextTaskToRunLocked(id, now)
		if !ok {
			return tasks
		}
		tasks = append(tasks, task)
	}
}

// SetWakeable installs the wakeable notified for id. A queue has at most one.
func (r *Registry) SetWakeable(id QueueID, w Wakeable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownQueue, id)
	}
	if entry.wakeable != nil {
		return fmt.Errorf("%w: %v", ErrWakeableAlreadySet, id)
	}
	entry.wakeable = w
	return nil
}

// Merge makes owner's loop service subsumed's tasks. It fails (returns
// false) when:
//   - either queue is unknown or owner == subsumed
//   - owner is itself merged into another queue
//   - subsumed is already merged into a queue
//   - subsumed owns other queues
//
// Merging an already merged pair returns true without changes.
func (r *Registry) Merge(owner, subsumed QueueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner == subsumed {
		return false
	}
	ownerEntry, ok := r.entries[owner]
	if !ok {
		return false
	}
	subsumedEntry, ok := r.entries[subsumed]
	if !ok {
		return false
	}
	if _, already := ownerEntry.ownerOf[subsumed]; already {
		return true
	}
	if ownerEntry.subsumedBy != None {
		return false
	}
	if subsumedEntry.subsumedBy != None {
		return false
	}
	if len(subsumedEntry.ownerOf) > 0 {
		return false
	}

	ownerEntry.ownerOf[subsumed] = struct{}{}
	subsumedEntry.subsumedBy = owner

	if r.hasPendingTasksLocked(owner) {
		r.wakeUpLocked(owner, r.nextWakeTimeLocked(owner))
	}

	r.logger.Debug("taskqueue: merged", "owner", owner, "subsumed", subsumed)
	return true
}

// Unmerge reverses Merge. Returns false if owner does not own subsumed.
func (r *Registry) Unmerge(owner, subsumed QueueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ownerEntry, ok := r.entries[owner]
	if !ok {
		return false
	}
	if _, owns := ownerEntry.ownerOf[subsumed]; !owns {
		return false
	}
	delete(ownerEntry.ownerOf, subsumed)

	subsumedEntry, ok := r.entries[subsumed]
	if ok {
		subsumedEntry.subsumedBy = None
		if r.hasPendingTasksLocked(subsumed) {
			r.wakeUpLocked(subsumed, r.nextWakeTimeLocked(subsumed))
		}
	}
	if r.hasPendingTasksLocked(owner) {
		r.wakeUpLocked(owner, r.nextWakeTimeLocked(owner))
	} else {
		r.wakeUpLocked(owner, time.Time{})
	}

	r.logger.Debug("taskqueue: unmerged", "owner", owner, "subsumed", subsumed)
	return true
}

// Owns reports whether subsumed is currently merged into owner.
func (r *Registry) Owns(owner, subsumed QueueID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[owner]
	if !ok {
		return false
	}
	_, owns := entry.ownerOf[subsumed]
	return owns
}

// SubsumedQueueIDs lists the queues merged into owner, in ascending order.
func (r *Registry) SubsumedQueueIDs(owner QueueID) []QueueID {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[owner]
	if !ok {
		return nil
	}
	ids := make([]QueueID, 0, len(entry.ownerOf))
	for id := range entry.ownerOf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) hasPendingTasksLocked(id QueueID) bool {
	entry, ok := r.entries[id]
	if !ok || entry.subsumedBy != None {
		return false
	}
	if len(entry.delayed) > 0 {
		return true
	}
	for subsumed := range entry.ownerOf {
		if sub, ok := r.entries[subsumed]; ok && len(sub.delayed) > 0 {
			return true
		}
	}
	return false
}

// nextSourceLocked returns the queue (id or one it owns) holding the
// earliest task.
func (r *Registry) nextSourceLocked(id QueueID) (*queueEntry, bool) {
	entry, ok := r.entries[id]
	if !ok || entry.subsumedBy != None {
		return nil, false
	}

	best := entry
	bestTop, found := entry.delayed.top()
	for subsumed := range entry.ownerOf {
		sub, ok := r.entries[subsumed]
		if !ok {
			continue
		}
		top, ok := sub.delayed.top()
		if !ok {
			continue
		}
		if !found || top.before(bestTop) {
			best, bestTop, found = sub, top, true
		}
	}
	return best, found
}

func (r *Registry) nextWakeTimeLocked(id QueueID) time.Time {
	src, ok := r.nextSourceLocked(id)
	if !ok {
		return time.Time{}
	}
	top, _ := src.delayed.top()
	return top.target
}

func (r *Registry) nextTaskToRunLocked(id QueueID, now time.Time) (Task, bool) {
	src, ok := r.nextSourceLocked(id)
	if !ok {
		return nil, false
	}
	top, _ := src.delayed.top()
	if top.target.After(now) {
		return nil, false
	}
	src.delayed.pop()

	if r.hasPendingTasksLocked(id) {
		r.wakeUpLocked(id, r.nextWakeTimeLocked(id))
	} else {
		r.wakeUpLocked(id, time.Time{})
	}
	return top.task, true
}

func (r *Registry) wakeUpLocked(id QueueID, at time.Time) {
	entry, ok := r.entries[id]
	if !ok || entry.wakeable == nil {
		return
	}
	entry.wakeable.WakeUp(at)
}

// Package threadmerger tracks reference-counted leases on a merge of two task
// queues: the raster queue (subsumed) running on the platform loop (owner).
//
// A SharedThreadMerger is created once per (owner, subsumed) pair and shared
// by every RasterThreadMerger that wants that pair merged. Each caller holds
// a lease: a count of drain cycles it still needs the merge for. The queues
// are merged while at least one lease is positive and unmerged as soon as all
// of them reach zero.
//
//	Unmerged ──MergeWithLease──► Merged
//	   ▲                           │
//	   └──DecrementLease (all 0)───┤
//	   └──UnMergeNowIfLastOne──────┘
//
// The underlying queue merge is called exactly once per transition. A failed
// queue merge or unmerge panics: scheduling state would be undefined.
package threadmerger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/framesched/taskqueue"
	"github.com/e7canasta/framesched/trace"
)

// TraceMerge names the span emitted from merge to unmerge.
const TraceMerge = "ThreadMerge"

// QueueMerger performs the underlying queue merge. *taskqueue.Registry
// implements it.
type QueueMerger interface {
	Merge(owner, subsumed taskqueue.QueueID) bool
	Unmerge(owner, subsumed taskqueue.QueueID) bool
}

// SharedThreadMerger is the lease state machine for one queue pair.
//
// Thread-safety: every exported method takes the internal mutex. Use Lock to
// run several operations under one critical section.
type SharedThreadMerger struct {
	owner    taskqueue.QueueID
	subsumed taskqueue.QueueID
	queues   QueueMerger

	mu       sync.Mutex
	enabled  bool
	merged   bool
	leases   map[uuid.UUID]int
	mergedCh chan struct{} // closed while merged
	mergeID  uint64
	merges   uint64
	unmerges uint64

	ids    trace.IDSource
	tracer *trace.Tracer
	logger *slog.Logger
}

// Option configures a SharedThreadMerger or RasterThreadMerger.
type Option func(*options)

type options struct {
	tracer *trace.Tracer
	logger *slog.Logger
}

// WithTracer emits a ThreadMerge span per merged period.
func WithTracer(t *trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the logger (slog.Default() otherwise).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewShared returns an enabled, unmerged merger for owner and subsumed.
func NewShared(queues QueueMerger, owner, subsumed taskqueue.QueueID, opts ...Option) *SharedThreadMerger {
	o := buildOptions(opts)
	return &SharedThreadMerger{
		owner:    owner,
		subsumed: subsumed,
		queues:   queues,
		enabled:  true,
		leases:   make(map[uuid.UUID]int),
		mergedCh: make(chan struct{}),
		tracer:   o.tracer,
		logger:   o.logger,
	}
}

// Owner returns the surviving queue of the merge.
func (m *SharedThreadMerger) Owner() taskqueue.QueueID { return m.owner }

// Subsumed returns the queue merged into Owner.
func (m *SharedThreadMerger) Subsumed() taskqueue.QueueID { return m.subsumed }

// Lock acquires the merger's mutex and returns a Guard exposing the state
// operations. The Guard must be released with Unlock.
func (m *SharedThreadMerger) Lock() *Guard {
	m.mu.Lock()
	return &Guard{m: m}
}

// MergeWithLease merges the queues if needed and sets caller's lease.
func (m *SharedThreadMerger) MergeWithLease(caller uuid.UUID, term int) bool {
	g := m.Lock()
	defer g.Unlock()
	return g.MergeWithLease(caller, term)
}

// ExtendLeaseTo overwrites caller's lease while merged.
func (m *SharedThreadMerger) ExtendLeaseTo(caller uuid.UUID, term int) {
	g := m.Lock()
	defer g.Unlock()
	g.ExtendLeaseTo(caller, term)
}

// DecrementLease decrements caller's lease and reports whether this
// unmerged the queues.
func (m *SharedThreadMerger) DecrementLease(caller uuid.UUID) bool {
	g := m.Lock()
	defer g.Unlock()
	return g.DecrementLease(caller)
}

// UnMergeNowIfLastOne drops caller's lease, unmerging if no positive lease
// remains.
func (m *SharedThreadMerger) UnMergeNowIfLastOne(caller uuid.UUID) bool {
	g := m.Lock()
	defer g.Unlock()
	return g.UnMergeNowIfLastOne(caller)
}

// IsMerged reports whether the queues are merged.
func (m *SharedThreadMerger) IsMerged() bool {
	g := m.Lock()
	defer g.Unlock()
	return g.IsMerged()
}

// IsEnabled reports the enabled gate.
func (m *SharedThreadMerger) IsEnabled() bool {
	g := m.Lock()
	defer g.Unlock()
	return g.IsEnabled()
}

// SetEnabled sets the enabled gate.
func (m *SharedThreadMerger) SetEnabled(enabled bool) {
	g := m.Lock()
	defer g.Unlock()
	g.SetEnabled(enabled)
}

// WaitMerged blocks until the queues are merged or ctx is done.
func (m *SharedThreadMerger) WaitMerged(ctx context.Context) error {
	m.mu.Lock()
	ch := m.mergedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of the merger's state.
type Stats struct {
	Merged   bool
	Enabled  bool
	Callers  int
	Merges   uint64
	Unmerges uint64
}

func (m *SharedThreadMerger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Merged:   m.merged,
		Enabled:  m.enabled,
		Callers:  len(m.leases),
		Merges:   m.merges,
		Unmerges: m.unmerges,
	}
}

func (m *SharedThreadMerger) allLeasesZeroLocked() bool {
	for _, term := range m.leases {
		if term > 0 {
			return false
		}
	}
	return true
}

func (m *SharedThreadMerger) mergeLocked() {
	if !m.queues.Merge(m.owner, m.subsumed) {
		panic(fmt.Sprintf("threadmerger: failed to merge %v into %v", m.subsumed, m.owner))
	}
	m.merged = true
	m.merges++
	close(m.mergedCh)

	m.mergeID = m.ids.Next()
	m.tracer.Begin(TraceMerge, m.mergeID)
	m.logger.Info("threadmerger: queues merged",
		"owner", m.owner,
		"subsumed", m.subsumed)
}

func (m *SharedThreadMerger) unmergeLocked() {
	if !m.queues.Unmerge(m.owner, m.subsumed) {
		panic(fmt.Sprintf("threadmerger: failed to unmerge %v from %v", m.subsumed, m.owner))
	}
	m.merged = false
	m.unmerges++
	m.mergedCh = make(chan struct{})

	m.tracer.End(TraceMerge, m.mergeID)
	m.logger.Info("threadmerger: queues unmerged",
		"owner", m.owner,
		"subsumed", m.subsumed)
}

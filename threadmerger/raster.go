package threadmerger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/framesched/taskqueue"
)

// Status is the outcome of RasterThreadMerger.DecrementLease.
type Status int

const (
	RemainsMerged Status = iota
	RemainsUnmerged
	UnmergedNow
)

func (s Status) String() string {
	switch s {
	case RemainsMerged:
		return "remains-merged"
	case RemainsUnmerged:
		return "remains-unmerged"
	case UnmergedNow:
		return "unmerged-now"
	default:
		return "unknown"
	}
}

// RasterThreadMerger is one caller's handle on a SharedThreadMerger that
// merges the raster queue into the platform queue. Every RasterThreadMerger
// has its own caller identity, so leases from different handles on the same
// shared merger are tracked independently.
//
// When the platform and raster queues are the same, the merger is a
// permanent no-op that reports merged.
type RasterThreadMerger struct {
	id         uuid.UUID
	platformID taskqueue.QueueID
	rasterID   taskqueue.QueueID
	queues     QueueMerger
	shared     *SharedThreadMerger

	cbMu     sync.Mutex
	callback func()
}

// New returns a merger with a fresh SharedThreadMerger for the pair.
func New(queues QueueMerger, platformID, rasterID taskqueue.QueueID, opts ...Option) *RasterThreadMerger {
	return newRaster(queues, platformID, rasterID, NewShared(queues, platformID, rasterID, opts...))
}

// CreateOrShare returns a merger sharing parent's SharedThreadMerger when
// parent merges the same queue pair, or a merger with its own shared state
// otherwise (including when parent is nil).
func CreateOrShare(parent *RasterThreadMerger, queues QueueMerger, platformID, rasterID taskqueue.QueueID, opts ...Option) *RasterThreadMerger {
	if parent != nil && parent.platformID == platformID && parent.rasterID == rasterID {
		return newRaster(parent.queues, platformID, rasterID, parent.shared)
	}
	return New(queues, platformID, rasterID, opts...)
}

func newRaster(queues QueueMerger, platformID, rasterID taskqueue.QueueID, shared *SharedThreadMerger) *RasterThreadMerger {
	return &RasterThreadMerger{
		id:         uuid.New(),
		platformID: platformID,
		rasterID:   rasterID,
		queues:     queues,
		shared:     shared,
	}
}

// ID returns the caller identity used for this merger's lease.
func (r *RasterThreadMerger) ID() uuid.UUID { return r.id }

// Shared returns the underlying shared merger.
func (r *RasterThreadMerger) Shared() *SharedThreadMerger { return r.shared }

// PlatformQueueID returns the owner queue.
func (r *RasterThreadMerger) PlatformQueueID() taskqueue.QueueID { return r.platformID }

// RasterQueueID returns the subsumed queue.
func (r *RasterThreadMerger) RasterQueueID() taskqueue.QueueID { return r.rasterID }

func (r *RasterThreadMerger) queuesAreSame() bool {
	return r.platformID == r.rasterID
}

// SetMergeUnmergeCallback sets fn to be called after every merge or unmerge
// requested through this handle. fn runs without the merger's lock held.
func (r *RasterThreadMerger) SetMergeUnmergeCallback(fn func()) {
	r.cbMu.Lock()
	r.callback = fn
	r.cbMu.Unlock()
}

func (r *RasterThreadMerger) notify() {
	r.cbMu.Lock()
	fn := r.callback
	r.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

// MergeWithLease merges the raster queue into the platform queue (if not
// already) and sets this caller's lease to term. Ignored while disabled.
func (r *RasterThreadMerger) MergeWithLease(term int) {
	if r.queuesAreSame() {
		return
	}

	g := r.shared.Lock()
	if !g.IsEnabled() {
		g.Unlock()
		return
	}
	wasMerged := g.IsMerged()
	ok := g.MergeWithLease(r.id, term)
	g.Unlock()

	if ok && !wasMerged {
		r.notify()
	}
}

// UnMergeNowIfLastOne drops this caller's lease, unmerging if no other
// caller holds a positive lease. Ignored while disabled.
func (r *RasterThreadMerger) UnMergeNowIfLastOne() {
	if r.queuesAreSame() {
		return
	}

	g := r.shared.Lock()
	if !g.IsEnabled() {
		g.Unlock()
		return
	}
	wasMerged := g.IsMerged()
	g.UnMergeNowIfLastOne(r.id)
	unmerged := wasMerged && !g.IsMerged()
	g.Unlock()

	if unmerged {
		r.notify()
	}
}

// ExtendLeaseTo overwrites this caller's lease. Only valid while merged.
func (r *RasterThreadMerger) ExtendLeaseTo(term int) {
	if r.queuesAreSame() {
		return
	}

	g := r.shared.Lock()
	defer g.Unlock()
	if !g.IsEnabled() {
		return
	}
	g.ExtendLeaseTo(r.id, term)
}

// DecrementLease is called once per drawn frame. It reports whether the
// queues stay merged, stay unmerged, or were unmerged by this call.
func (r *RasterThreadMerger) DecrementLease() Status {
	if r.queuesAreSame() {
		return RemainsMerged
	}

	g := r.shared.Lock()
	if !g.IsMerged() {
		g.Unlock()
		return RemainsUnmerged
	}
	if !g.IsEnabled() {
		g.Unlock()
		return RemainsMerged
	}
	unmerged := g.DecrementLease(r.id)
	g.Unlock()

	if unmerged {
		r.notify()
		return UnmergedNow
	}
	return RemainsMerged
}

// IsMerged reports whether the raster queue runs on the platform loop.
func (r *RasterThreadMerger) IsMerged() bool {
	if r.queuesAreSame() {
		return true
	}
	return r.shared.IsMerged()
}

// Enable allows merge requests.
func (r *RasterThreadMerger) Enable() { r.shared.SetEnabled(true) }

// Disable refuses merge, extend and unmerge requests until Enable. The
// current merge state is kept.
func (r *RasterThreadMerger) Disable() { r.shared.SetEnabled(false) }

// IsEnabled reports whether merge requests are accepted.
func (r *RasterThreadMerger) IsEnabled() bool { return r.shared.IsEnabled() }

// IsOnPlatformThread reports whether ctx belongs to a task running on the
// platform loop.
func (r *RasterThreadMerger) IsOnPlatformThread(ctx context.Context) bool {
	id, ok := taskqueue.QueueIDFromContext(ctx)
	return ok && id == r.platformID
}

// IsOnRasterizingThread reports whether ctx belongs to the loop that
// currently runs raster work: the platform loop while merged, the raster
// loop otherwise.
func (r *RasterThreadMerger) IsOnRasterizingThread(ctx context.Context) bool {
	if r.IsMerged() {
		return r.IsOnPlatformThread(ctx)
	}
	id, ok := taskqueue.QueueIDFromContext(ctx)
	return ok && id == r.rasterID
}

// WaitUntilMerged blocks until the queues are merged or ctx is done.
func (r *RasterThreadMerger) WaitUntilMerged(ctx context.Context) error {
	if r.queuesAreSame() {
		return nil
	}
	return r.shared.WaitMerged(ctx)
}

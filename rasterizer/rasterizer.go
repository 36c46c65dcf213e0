// Package rasterizer drives the consumer side of a frame pipeline.
//
// A Rasterizer drains one resource per task on its task runner. When the
// pipeline reports more work it posts another task instead of looping, so the
// consumer loop stays responsive to other tasks between frames and the call
// stack never grows with the backlog.
//
// Drawing a frame may require the raster work to run on the platform loop
// (for example when the frame embeds a platform view). The Drawer signals
// this with ErrThreadMergeRequired; the Rasterizer then merges the raster
// queue into the platform queue with a lease, puts the frame back at the
// front of the pipeline and draws it again from the platform loop. Each
// drawn frame decrements the lease; the queues are unmerged when it runs
// out.
package rasterizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/framesched/pipeline"
	"github.com/e7canasta/framesched/taskqueue"
	"github.com/e7canasta/framesched/threadmerger"
)

// DefaultMergedLeaseTerm is the number of frames the queues stay merged
// after a frame asked for a merge.
const DefaultMergedLeaseTerm = 10

// ErrThreadMergeRequired is returned by a Drawer when the frame must be drawn
// on the platform loop.
var ErrThreadMergeRequired = errors.New("rasterizer: frame requires thread merge")

// TaskPoster posts tasks to the consumer's loop. *messageloop.TaskRunner
// implements it.
type TaskPoster interface {
	PostTask(task taskqueue.Task)
}

// Drawer draws one frame.
type Drawer[R any] interface {
	DrawFrame(ctx context.Context, frame R) error
}

// DrawerFunc adapts a function to Drawer.
type DrawerFunc[R any] func(ctx context.Context, frame R) error

func (f DrawerFunc[R]) DrawFrame(ctx context.Context, frame R) error { return f(ctx, frame) }

// DrawStatus is the outcome of one Draw.
type DrawStatus int

const (
	// DrawDone: a frame was drawn.
	DrawDone DrawStatus = iota
	// DrawPipelineEmpty: nothing was committed.
	DrawPipelineEmpty
	// DrawYielded: called off the rasterizing loop; a task was reposted.
	DrawYielded
	// DrawFailed: the drawer returned an error or panicked. The frame is
	// dropped.
	DrawFailed
	// DrawResubmitted: the frame needs a thread merge; it was merged,
	// requeued at the front and a task was reposted.
	DrawResubmitted
)

func (s DrawStatus) String() string {
	switch s {
	case DrawDone:
		return "done"
	case DrawPipelineEmpty:
		return "pipeline-empty"
	case DrawYielded:
		return "yielded"
	case DrawFailed:
		return "failed"
	case DrawResubmitted:
		return "resubmitted"
	default:
		return fmt.Sprintf("DrawStatus(%d)", int(s))
	}
}

// Config holds optional collaborators.
type Config struct {
	// Merger enables thread merging. Nil disables it: ErrThreadMergeRequired
	// is then treated as a draw failure.
	Merger *threadmerger.RasterThreadMerger

	// MergedLeaseTerm is the lease taken on a merge (DefaultMergedLeaseTerm
	// if not positive).
	MergedLeaseTerm int

	Logger *slog.Logger
}

// Stats counts draw outcomes.
type Stats struct {
	Drawn       uint64
	Failed      uint64
	Yielded     uint64
	Resubmitted uint64
	Reposts     uint64
}

// Rasterizer consumes frames of type R from a pipeline.
type Rasterizer[R any] struct {
	runner    TaskPoster
	drawer    Drawer[R]
	merger    *threadmerger.RasterThreadMerger
	leaseTerm int
	logger    *slog.Logger

	tornDown atomic.Bool

	drawn       atomic.Uint64
	failed      atomic.Uint64
	yielded     atomic.Uint64
	resubmitted atomic.Uint64
	reposts     atomic.Uint64
}

// New returns a rasterizer posting its drain tasks to runner.
func New[R any](runner TaskPoster, drawer Drawer[R], cfg Config) (*Rasterizer[R], error) {
	if runner == nil {
		return nil, fmt.Errorf("rasterizer: task runner is required")
	}
	if drawer == nil {
		return nil, fmt.Errorf("rasterizer: drawer is required")
	}
	if cfg.MergedLeaseTerm <= 0 {
		cfg.MergedLeaseTerm = DefaultMergedLeaseTerm
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Rasterizer[R]{
		runner:    runner,
		drawer:    drawer,
		merger:    cfg.Merger,
		leaseTerm: cfg.MergedLeaseTerm,
		logger:    cfg.Logger,
	}, nil
}

// ScheduleDraw posts a drain task for p. Producers call it when a commit
// reports IsFirstItem.
func (r *Rasterizer[R]) ScheduleDraw(p *pipeline.Pipeline[R]) {
	r.runner.PostTask(r.drainTask(p))
}

func (r *Rasterizer[R]) drainTask(p *pipeline.Pipeline[R]) taskqueue.Task {
	return func(ctx context.Context) {
		if r.tornDown.Load() {
			r.logger.Debug("rasterizer: drain task after teardown, skipping")
			return
		}
		r.Draw(ctx, p)
	}
}

func (r *Rasterizer[R]) repost(p *pipeline.Pipeline[R]) {
	r.reposts.Add(1)
	r.runner.PostTask(r.drainTask(p))
}

// Draw consumes at most one frame from p. ctx must come from the task
// running Draw so the rasterizing loop can be identified. When more frames
// remain, Draw posts a new task rather than drawing them itself.
func (r *Rasterizer[R]) Draw(ctx context.Context, p *pipeline.Pipeline[R]) DrawStatus {
	if r.merger != nil && !r.merger.IsOnRasterizingThread(ctx) {
		// The queues were merged or unmerged after this task was posted.
		r.yielded.Add(1)
		r.repost(p)
		return DrawYielded
	}

	status := DrawDone
	var (
		resubmit bool
		frame    R
	)
	consumed := p.Consume(func(f R) {
		status = r.drawFrame(ctx, f)
		if status == DrawResubmitted {
			resubmit, frame = true, f
		}
	})
	if consumed == pipeline.NoneAvailable {
		return DrawPipelineEmpty
	}

	if resubmit {
		// Outside the consumer callback: the pipeline must not be re-entered.
		r.merger.MergeWithLease(r.leaseTerm)
		if !r.merger.IsMerged() {
			// Disabled merger: the frame can never be drawn.
			r.failed.Add(1)
			r.logger.Warn("rasterizer: thread merge refused, frame dropped")
			if consumed == pipeline.MoreAvailable {
				r.repost(p)
			}
			return DrawFailed
		}
		if res := p.ProduceToFront().Complete(frame); res.Success {
			r.resubmitted.Add(1)
		} else {
			r.failed.Add(1)
			r.logger.Warn("rasterizer: resubmit rejected, frame dropped")
			status = DrawFailed
		}
		r.repost(p)
		return status
	}

	if status == DrawDone && r.merger != nil {
		// After Consume returns: an unmerge wakes the raster loop, which must
		// not start consuming while this callback is still active.
		if r.merger.DecrementLease() == threadmerger.UnmergedNow {
			r.logger.Debug("rasterizer: lease expired, queues unmerged")
		}
	}

	if consumed == pipeline.MoreAvailable {
		r.repost(p)
	}
	return status
}

func (r *Rasterizer[R]) drawFrame(ctx context.Context, frame R) (status DrawStatus) {
	defer func() {
		if v := recover(); v != nil {
			r.failed.Add(1)
			r.logger.Error("rasterizer: drawer panicked", "panic", v)
			status = DrawFailed
		}
	}()

	err := r.drawer.DrawFrame(ctx, frame)
	switch {
	case err == nil:
		r.drawn.Add(1)
		return DrawDone

	case errors.Is(err, ErrThreadMergeRequired) && r.merger != nil && !r.merger.IsMerged():
		return DrawResubmitted

	default:
		r.failed.Add(1)
		r.logger.Warn("rasterizer: draw failed", "error", err)
		return DrawFailed
	}
}

// Teardown turns pending and future drain tasks into no-ops and releases
// this rasterizer's merge lease.
func (r *Rasterizer[R]) Teardown() {
	if !r.tornDown.CompareAndSwap(false, true) {
		return
	}
	if r.merger != nil {
		r.merger.UnMergeNowIfLastOne()
		r.merger.SetMergeUnmergeCallback(nil)
	}
	r.logger.Debug("rasterizer: torn down")
}

// IsTornDown reports whether Teardown was called.
func (r *Rasterizer[R]) IsTornDown() bool { return r.tornDown.Load() }

// Stats returns a snapshot of draw counters.
func (r *Rasterizer[R]) Stats() Stats {
	return Stats{
		Drawn:       r.drawn.Load(),
		Failed:      r.failed.Load(),
		Yielded:     r.yielded.Load(),
		Resubmitted: r.resubmitted.Load(),
		Reposts:     r.reposts.Load(),
	}
}

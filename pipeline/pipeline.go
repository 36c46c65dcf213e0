package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/framesched/trace"
)

// Trace span names.
const (
	TraceItem    = "PipelineItem"
	TraceProduce = "PipelineProduce"
)

// ErrInvalidDepth is returned by New for a depth below 1.
var ErrInvalidDepth = errors.New("pipeline: depth must be at least 1")

// ConsumeResult reports the outcome of a Consume call.
type ConsumeResult int

const (
	// NoneAvailable: nothing was committed; the consumer was not called.
	NoneAvailable ConsumeResult = iota
	// Done: one resource was consumed and the queue is now empty.
	Done
	// MoreAvailable: one resource was consumed and more are queued.
	MoreAvailable
)

func (r ConsumeResult) String() string {
	switch r {
	case NoneAvailable:
		return "none-available"
	case Done:
		return "done"
	case MoreAvailable:
		return "more-available"
	default:
		return fmt.Sprintf("ConsumeResult(%d)", int(r))
	}
}

// ProduceResult reports the outcome of Continuation.Complete.
type ProduceResult struct {
	// Success is true if the resource was queued.
	Success bool
	// IsFirstItem is true if the queue was empty before this commit, i.e.
	// the consumer may be idle and should be scheduled.
	IsFirstItem bool
}

type entry[R any] struct {
	resource R
	traceID  uint64
}

// Pipeline hands resources of type R from producers to one consumer with at
// most Depth resources in flight (reserved and not yet consumed).
//
// Thread-safety: all methods are safe for concurrent use. Only one Consume
// call should be active at a time; the consumer callback must not call back
// into the same Pipeline.
type Pipeline[R any] struct {
	name  string
	depth int

	empty     *semaphore
	available *semaphore

	mu    sync.Mutex
	queue []entry[R]

	inflight atomic.Int64
	ids      trace.IDSource

	produced  atomic.Uint64
	rejected  atomic.Uint64
	abandoned atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64

	tracer *trace.Tracer
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	name   string
	tracer *trace.Tracer
	logger *slog.Logger
}

// WithName labels the pipeline in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTracer emits item and produce spans on t.
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

// New returns a pipeline with the given depth.
func New[R any](depth int, opts ...Option) (*Pipeline[R], error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDepth, depth)
	}

	o := options{name: "pipeline", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline[R]{
		name:      o.name,
		depth:     depth,
		empty:     newSemaphore(int64(depth), int64(depth)),
		available: newSemaphore(int64(depth), 0),
		queue:     make([]entry[R], 0, depth),
		tracer:    o.tracer,
		logger:    o.logger,
	}
	if !p.IsValid() {
		return nil, fmt.Errorf("pipeline %q: semaphore initialization failed", o.name)
	}
	return p, nil
}

// IsValid reports whether the pipeline's semaphores were created.
func (p *Pipeline[R]) IsValid() bool {
	return p != nil && p.empty != nil && p.available != nil
}

// Depth returns the fixed capacity.
func (p *Pipeline[R]) Depth() int { return p.depth }

// Produce reserves a slot and returns its continuation, or nil if all
// depth slots are reserved. A nil continuation is not an error: the producer
// should try again later.
func (p *Pipeline[R]) Produce() *Continuation[R] {
	if !p.empty.TryWait() {
		p.rejected.Add(1)
		return nil
	}
	return p.reserve(false, true)
}

// ProduceToFront returns a continuation whose commit is inserted ahead of
// every queued resource. It reserves a slot when one is free; otherwise the
// continuation holds no slot and its commit evicts the newest queued
// resource (see package docs). It never returns nil.
func (p *Pipeline[R]) ProduceToFront() *Continuation[R] {
	return p.reserve(true, p.empty.TryWait())
}

func (p *Pipeline[R]) reserve(front, hasSlot bool) *Continuation[R] {
	id := p.ids.Next()
	if hasSlot {
		p.inflight.Add(1)
	}
	p.tracer.Begin(TraceItem, id)
	p.tracer.Begin(TraceProduce, id)
	c := &Continuation[R]{p: p, traceID: id, front: front, hasSlot: hasSlot}
	runtime.SetFinalizer(c, (*Continuation[R]).release)
	return c
}

// commit moves r into the queue for continuation c.
//
// Algorithm:
//  1. A slot-less front continuation retries empty.TryWait
//  2. Still slot-less: evict the back entry and take over its slot and its
//     available count (no Signal); fail if nothing is queued
//  3. Otherwise push (front or back) and Signal available, both under the
//     queue mutex
func (p *Pipeline[R]) commit(c *Continuation[R], r R) ProduceResult {
	hasSlot := c.hasSlot
	if !hasSlot && p.empty.TryWait() {
		hasSlot = true
		p.inflight.Add(1)
	}

	e := entry[R]{resource: r, traceID: c.traceID}

	p.mu.Lock()
	if !hasSlot {
		if len(p.queue) == 0 {
			p.mu.Unlock()
			p.rejected.Add(1)
			p.tracer.End(TraceProduce, c.traceID)
			p.tracer.End(TraceItem, c.traceID)
			p.logger.Debug("pipeline: front commit rejected, all slots reserved",
				"pipeline", p.name,
				"trace_id", c.traceID)
			return ProduceResult{}
		}
		evicted := p.queue[len(p.queue)-1]
		p.queue = slices.Insert(p.queue[:len(p.queue)-1], 0, e)
		p.mu.Unlock()

		p.produced.Add(1)
		p.dropped.Add(1)
		p.tracer.End(TraceProduce, c.traceID)
		p.tracer.End(TraceItem, evicted.traceID)
		p.logger.Debug("pipeline: evicted queued resource for front commit",
			"pipeline", p.name,
			"evicted_trace_id", evicted.traceID,
			"trace_id", c.traceID)
		return ProduceResult{Success: true}
	}

	wasEmpty := len(p.queue) == 0
	if c.front {
		p.queue = slices.Insert(p.queue, 0, e)
	} else {
		p.queue = append(p.queue, e)
	}
	// Signal before unlocking: a Consume that pops and sees remaining > 0
	// must find the matching available count.
	p.available.Signal()
	p.mu.Unlock()

	p.produced.Add(1)
	p.tracer.End(TraceProduce, c.traceID)
	return ProduceResult{Success: true, IsFirstItem: wasEmpty}
}

// abandon returns c's slot without queuing anything.
func (p *Pipeline[R]) abandon(c *Continuation[R]) {
	if c.hasSlot {
		p.inflight.Add(-1)
		p.empty.Signal()
	}
	p.abandoned.Add(1)
	p.tracer.End(TraceProduce, c.traceID)
	p.tracer.End(TraceItem, c.traceID)
}

// Consume hands the oldest committed resource to consumer, if any.
//
// Algorithm:
//  1. available.TryWait (NoneAvailable on failure)
//  2. Pop the front entry under the queue mutex
//  3. Call consumer outside the lock; a panic is recovered and logged
//  4. empty.Signal (a producer may reserve again)
//
// Returns Done if the queue was empty after the pop, MoreAvailable
// otherwise. A nil consumer is logged and returns NoneAvailable without
// touching the pipeline.
func (p *Pipeline[R]) Consume(consumer func(R)) ConsumeResult {
	if consumer == nil {
		p.logger.Warn("pipeline: Consume called with nil consumer", "pipeline", p.name)
		return NoneAvailable
	}
	if !p.available.TryWait() {
		return NoneAvailable
	}

	p.mu.Lock()
	e := p.queue[0]
	p.queue = slices.Delete(p.queue, 0, 1)
	remaining := len(p.queue)
	p.mu.Unlock()

	p.deliver(consumer, e)

	p.inflight.Add(-1)
	p.empty.Signal()
	p.consumed.Add(1)
	p.tracer.End(TraceItem, e.traceID)

	if remaining > 0 {
		return MoreAvailable
	}
	return Done
}

func (p *Pipeline[R]) deliver(consumer func(R), e entry[R]) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline: consumer panicked",
				"pipeline", p.name,
				"trace_id", e.traceID,
				"panic", r)
		}
	}()
	consumer(e.resource)
}

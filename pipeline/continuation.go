package pipeline

import "sync/atomic"

// Continuation is a single-use handle on a reserved pipeline slot. Exactly
// one of Complete or Abandon takes effect; later calls are no-ops. Callers
// must call one of them: a dropped continuation holds its slot until it is
// garbage collected.
//
// All methods accept a nil receiver, so the result of Produce can be used
// without a nil check when the caller does not care about rejection.
type Continuation[R any] struct {
	p       *Pipeline[R]
	traceID uint64
	front   bool
	hasSlot bool
	used    atomic.Bool
}

// TraceID returns the id keying this item's trace spans (0 for nil).
func (c *Continuation[R]) TraceID() uint64 {
	if c == nil {
		return 0
	}
	return c.traceID
}

// Complete commits r. A second Complete, or Complete after Abandon, logs a
// warning and returns a zero ProduceResult.
func (c *Continuation[R]) Complete(r R) ProduceResult {
	if c == nil {
		return ProduceResult{}
	}
	if !c.used.CompareAndSwap(false, true) {
		c.p.logger.Warn("pipeline: continuation already used",
			"pipeline", c.p.name,
			"trace_id", c.traceID)
		return ProduceResult{}
	}
	return c.p.commit(c, r)
}

// Abandon releases the reserved slot immediately; capacity is restored
// before Abandon returns. No-op after Complete, so `defer c.Abandon()` is
// safe on every path.
func (c *Continuation[R]) Abandon() {
	if c == nil || !c.used.CompareAndSwap(false, true) {
		return
	}
	c.p.abandon(c)
}

// release is the finalizer of every continuation handed out.
func (c *Continuation[R]) release() {
	if c.used.Load() {
		return
	}
	c.p.logger.Warn("pipeline: continuation dropped without Complete or Abandon",
		"pipeline", c.p.name,
		"trace_id", c.traceID)
	c.Abandon()
}

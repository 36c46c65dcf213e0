// Package pipeline implements a bounded hand-off queue between a frame
// producer and a single frame consumer.
//
// # Model
//
// A Pipeline has a fixed depth. Two counting semaphores track its slots:
//
//	empty      slots not yet reserved by a producer   (starts at depth)
//	available  committed resources awaiting consumer  (starts at 0)
//
// A producer reserves a slot with Produce, fills its resource and commits it
// with Continuation.Complete. The consumer drains one resource per Consume
// call. Neither side ever blocks: reservation and consumption are try-waits,
// and the queue mutex is held only for the push or pop.
//
//	Produce ──► Continuation ──Complete──► queue (FIFO) ──Consume──► consumer
//	   │                 │                                     │
//	empty.TryWait   Abandon: empty.Signal               empty.Signal
//
// # Basic Usage
//
// Producer side:
//
//	c := p.Produce()
//	if c == nil {
//	    return // pipeline full, try again next vsync
//	}
//	defer c.Abandon() // no-op after Complete
//
//	frame, err := buildFrame()
//	if err != nil {
//	    return
//	}
//	if res := c.Complete(frame); res.IsFirstItem {
//	    rasterizer.ScheduleDraw(p)
//	}
//
// Consumer side (see package rasterizer):
//
//	switch p.Consume(draw) {
//	case pipeline.MoreAvailable:
//	    runner.PostTask(drainAgain)
//	case pipeline.Done, pipeline.NoneAvailable:
//	}
//
// # Abandoned continuations
//
// A Continuation that is abandoned (explicitly, or by the deferred Abandon
// after an early return) releases its slot immediately. Nothing reaches the
// consumer for it and capacity is restored before Abandon returns.
//
// Every continuation must end in Complete or Abandon. One that is simply
// dropped keeps its slot until the garbage collector finalizes it, which
// logs a warning and abandons it; until then the pipeline runs one slot
// short. Do not rely on the finalizer.
//
// # Front insertion
//
// ProduceToFront commits ahead of everything queued. When the pipeline is
// full its continuation holds no slot; committing it evicts the newest queued
// resource, which is never delivered, and takes over that resource's slot.
// Use it sparingly: it silently discards queued work.
//
// # Instrumentation
//
// Every item emits a PipelineItem span (reserve to consume, abandon or
// eviction) and a PipelineProduce span (reserve to commit or abandon) on the
// configured trace.Tracer, keyed by the continuation's trace id.
package pipeline

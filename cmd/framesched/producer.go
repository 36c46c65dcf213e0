package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/framesched/internal/config"
	"github.com/e7canasta/framesched/pipeline"
)

// Frame is a synthetic layer tree handed from the producer to the renderer.
type Frame struct {
	Seq          uint64
	BuiltAt      time.Time
	PlatformView bool // Embeds a platform view: must be drawn merged
	Width        int
	Height       int
}

// DrawScheduler is notified when the pipeline goes from empty to non-empty.
type DrawScheduler interface {
	ScheduleDraw(p *pipeline.Pipeline[*Frame])
}

// Producer builds one frame per vsync tick and hands it to the pipeline.
//
// A tick with no free pipeline slot is skipped, the way a UI thread skips a
// frame while the rasterizer is behind.
type Producer struct {
	pipeline  *pipeline.Pipeline[*Frame]
	scheduler DrawScheduler
	interval  time.Duration
	frames    int
	viewEvery int
	logger    *slog.Logger

	seq       atomic.Uint64
	committed atomic.Uint64
	skipped   atomic.Uint64
}

// NewProducer creates a producer feeding p.
func NewProducer(p *pipeline.Pipeline[*Frame], scheduler DrawScheduler, cfg config.ProducerConfig, interval time.Duration, logger *slog.Logger) *Producer {
	return &Producer{
		pipeline:  p,
		scheduler: scheduler,
		interval:  interval,
		frames:    cfg.Frames,
		viewEvery: cfg.PlatformViewEvery,
		logger:    logger.With("component", "producer"),
	}
}

// Run ticks until ctx is done (returning ctx.Err()) or, with a frame budget,
// until that many ticks ran (returning nil).
func (p *Producer) Run(ctx context.Context) error {
	p.logger.Info("Producer started", "interval", p.interval, "frames", p.frames)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for ticks := 0; p.frames == 0 || ticks < p.frames; ticks++ {
		select {
		case <-ctx.Done():
			p.logger.Info("Producer stopping gracefully")
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}

	p.logger.Info("Frame budget exhausted", "committed", p.committed.Load(), "skipped", p.skipped.Load())
	return nil
}

// Tick produces a single frame if the pipeline has room.
func (p *Producer) Tick() {
	cont := p.pipeline.Produce()
	if cont == nil {
		p.skipped.Add(1)
		p.logger.Debug("Frame skipped, pipeline full")
		return
	}

	seq := p.seq.Add(1)
	frame := &Frame{
		Seq:          seq,
		BuiltAt:      time.Now(),
		PlatformView: p.viewEvery > 0 && seq%uint64(p.viewEvery) == 0,
		Width:        1920,
		Height:       1080,
	}

	res := cont.Complete(frame)
	if !res.Success {
		p.skipped.Add(1)
		return
	}
	p.committed.Add(1)
	if res.IsFirstItem {
		p.scheduler.ScheduleDraw(p.pipeline)
	}
}

// ProducerStats contains producer statistics
type ProducerStats struct {
	Committed uint64
	Skipped   uint64 // Ticks with no free pipeline slot
}

// Stats returns current producer statistics.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Committed: p.committed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

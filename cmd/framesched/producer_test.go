package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/e7canasta/framesched/internal/config"
	"github.com/e7canasta/framesched/pipeline"
	"github.com/e7canasta/framesched/rasterizer"
	"github.com/e7canasta/framesched/taskqueue"
	"github.com/e7canasta/framesched/threadmerger"
)

type countingScheduler struct{ calls int }

func (s *countingScheduler) ScheduleDraw(*pipeline.Pipeline[*Frame]) { s.calls++ }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProducerTickSkipsWhenFull(t *testing.T) {
	p, err := pipeline.New[*Frame](2)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}
	sched := &countingScheduler{}
	prod := NewProducer(p, sched, config.ProducerConfig{PlatformViewEvery: 2}, time.Millisecond, discardLogger())

	for range 3 {
		prod.Tick()
	}

	if s := prod.Stats(); s.Committed != 2 || s.Skipped != 1 {
		t.Errorf("stats %+v", s)
	}
	if sched.calls != 1 {
		t.Errorf("ScheduleDraw called %d times, want 1 (empty to non-empty)", sched.calls)
	}

	var frames []*Frame
	for p.Consume(func(f *Frame) { frames = append(frames, f) }) == pipeline.MoreAvailable {
	}
	if len(frames) != 2 || frames[0].PlatformView || !frames[1].PlatformView {
		t.Errorf("frames %+v %+v", frames[0], frames[1])
	}
}

func TestProducerRunStopsAfterBudget(t *testing.T) {
	p, _ := pipeline.New[*Frame](4)
	prod := NewProducer(p, &countingScheduler{}, config.ProducerConfig{Frames: 3}, time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := prod.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if s := prod.Stats(); s.Committed != 3 {
		t.Errorf("stats %+v", s)
	}
}

func TestRendererRequiresMergeForPlatformViews(t *testing.T) {
	registry := taskqueue.NewRegistry()
	platform := registry.CreateTaskQueue()
	raster := registry.CreateTaskQueue()
	merger := threadmerger.New(registry, platform, raster)
	r := NewMockRenderer(0, merger, discardLogger())

	rasterCtx := taskqueue.WithQueueID(context.Background(), raster)
	view := &Frame{Seq: 1, PlatformView: true, Width: 4, Height: 4}

	if err := r.DrawFrame(rasterCtx, view); err != rasterizer.ErrThreadMergeRequired {
		t.Fatalf("unmerged platform view: err = %v", err)
	}

	// Merged, the drain task runs on the platform loop.
	merger.MergeWithLease(1)
	platformCtx := taskqueue.WithQueueID(context.Background(), platform)
	if err := r.DrawFrame(platformCtx, view); err != nil {
		t.Fatalf("merged platform view: err = %v", err)
	}
	if err := r.DrawFrame(platformCtx, &Frame{Seq: 2}); err == nil {
		t.Error("zero-sized frame must fail")
	}

	if s := r.Stats(); s.Drawn != 1 || s.PlatformViews != 1 || s.MergeRequests != 1 || s.LastSeq != 1 {
		t.Errorf("stats %+v", s)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/framesched/rasterizer"
	"github.com/e7canasta/framesched/threadmerger"
)

// MockRenderer simulates a GPU rasterizer with configurable draw latency.
//
// It demonstrates the merge protocol:
// - Frames embedding a platform view must be drawn on the platform loop
// - Off the platform loop such frames return rasterizer.ErrThreadMergeRequired
// - The rasterizer then merges, resubmits the frame and draws it merged
type MockRenderer struct {
	latency time.Duration
	merger  *threadmerger.RasterThreadMerger
	logger  *slog.Logger

	// Statistics
	drawn          atomic.Uint64
	platformViews  atomic.Uint64
	mergeRequests  atomic.Uint64
	totalLatencyMs atomic.Uint64
	lastSeq        atomic.Uint64
}

// NewMockRenderer creates a renderer sleeping latency per frame.
func NewMockRenderer(latency time.Duration, merger *threadmerger.RasterThreadMerger, logger *slog.Logger) *MockRenderer {
	return &MockRenderer{
		latency: latency,
		merger:  merger,
		logger:  logger.With("component", "renderer"),
	}
}

// DrawFrame implements rasterizer.Drawer.
func (r *MockRenderer) DrawFrame(ctx context.Context, frame *Frame) error {
	if frame == nil {
		return fmt.Errorf("nil frame")
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", frame.Width, frame.Height)
	}

	if frame.PlatformView {
		if !r.merger.IsOnPlatformThread(ctx) {
			r.mergeRequests.Add(1)
			r.logger.Debug("Platform view needs merged threads", "seq", frame.Seq)
			return rasterizer.ErrThreadMergeRequired
		}
		r.platformViews.Add(1)
	}

	start := time.Now()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.latency):
	}
	elapsed := time.Since(start)

	r.drawn.Add(1)
	r.totalLatencyMs.Add(uint64(elapsed.Milliseconds()))
	r.lastSeq.Store(frame.Seq)

	r.logger.Debug("Frame drawn",
		"seq", frame.Seq,
		"platform_view", frame.PlatformView,
		"merged", r.merger.IsMerged(),
		"age_ms", time.Since(frame.BuiltAt).Milliseconds())
	return nil
}

// RendererStats contains renderer statistics
type RendererStats struct {
	Drawn         uint64
	PlatformViews uint64 // Platform-view frames drawn while merged
	MergeRequests uint64
	AvgLatencyMs  float64
	LastSeq       uint64
}

// Stats returns current renderer statistics.
func (r *MockRenderer) Stats() RendererStats {
	drawn := r.drawn.Load()
	var avg float64
	if drawn > 0 {
		avg = float64(r.totalLatencyMs.Load()) / float64(drawn)
	}
	return RendererStats{
		Drawn:         drawn,
		PlatformViews: r.platformViews.Load(),
		MergeRequests: r.mergeRequests.Load(),
		AvgLatencyMs:  avg,
		LastSeq:       r.lastSeq.Load(),
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/framesched/internal/config"
	"github.com/e7canasta/framesched/messageloop"
	"github.com/e7canasta/framesched/pipeline"
	"github.com/e7canasta/framesched/rasterizer"
	"github.com/e7canasta/framesched/taskqueue"
	"github.com/e7canasta/framesched/threadmerger"
	"github.com/e7canasta/framesched/trace"
)

const (
	version = "v0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides log.level)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	printBanner(cfg)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received, stopping gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("framesched failed", "error", err)
		os.Exit(1)
	}

	logger.Info("framesched stopped gracefully")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// newTraceSink builds the configured sink. The returned close func is never
// nil.
func newTraceSink(ctx context.Context, tc config.TraceConfig, logger *slog.Logger) (trace.Sink, func(), error) {
	switch tc.Sink {
	case "log":
		return trace.NewLogSink(logger), func() {}, nil
	case "mqtt":
		sink, err := trace.DialMQTT(ctx, trace.MQTTConfig{
			Broker:      tc.MQTT.Broker,
			ClientID:    tc.MQTT.ClientID,
			TopicPrefix: tc.MQTT.TopicPrefix,
			QoS:         tc.MQTT.QoS,
			Buffer:      tc.MQTT.Buffer,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect trace sink: %w", err)
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				logger.Warn("Trace sink close failed", "error", err)
			}
			st := sink.Stats()
			logger.Info("Trace sink closed",
				"published", st.Published,
				"dropped", st.Dropped,
				"errors", st.Errors)
		}, nil
	default:
		return trace.Nop{}, func() {}, nil
	}
}

// components groups everything run wires together, for the stats display.
type components struct {
	pipeline   *pipeline.Pipeline[*Frame]
	rasterizer *rasterizer.Rasterizer[*Frame]
	merger     *threadmerger.RasterThreadMerger
	renderer   *MockRenderer
	producer   *Producer
	platform   *messageloop.Loop
	raster     *messageloop.Loop
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 1. Trace sink
	sink, closeSink, err := newTraceSink(ctx, cfg.Trace, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	tracer := trace.New(sink, cfg.SessionID)
	logger.Info("Trace session", "session", tracer.Session(), "sink", cfg.Trace.Sink)

	// 2. Task queues and their loops
	registry := taskqueue.NewRegistry(taskqueue.WithLogger(logger))
	platform, err := messageloop.New(registry, messageloop.WithName("platform"), messageloop.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create platform loop: %w", err)
	}
	raster, err := messageloop.New(registry, messageloop.WithName("raster"), messageloop.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create raster loop: %w", err)
	}

	// 3. Thread merger (raster queue into platform queue)
	merger := threadmerger.New(registry, platform.QueueID(), raster.QueueID(),
		threadmerger.WithTracer(tracer),
		threadmerger.WithLogger(logger))
	merger.SetMergeUnmergeCallback(func() {
		logger.Debug("Thread merge state changed", "merged", merger.IsMerged())
	})

	// 4. Pipeline
	p, err := pipeline.New[*Frame](cfg.Pipeline.Depth,
		pipeline.WithName("frames"),
		pipeline.WithTracer(tracer),
		pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	// 5. Consumer side
	renderer := NewMockRenderer(cfg.DrawLatency(), merger, logger)
	rast, err := rasterizer.New[*Frame](raster.TaskRunner(), renderer, rasterizer.Config{
		Merger:          merger,
		MergedLeaseTerm: cfg.Rasterizer.MergedLeaseTerm,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create rasterizer: %w", err)
	}

	// 6. Producer side
	producer := NewProducer(p, rast, cfg.Producer, cfg.FrameInterval(), logger)

	c := components{
		pipeline:   p,
		rasterizer: rast,
		merger:     merger,
		renderer:   renderer,
		producer:   producer,
		platform:   platform,
		raster:     raster,
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return platform.Run(runCtx) })
	g.Go(func() error { return raster.Run(runCtx) })
	g.Go(func() error {
		err := producer.Run(runCtx)
		if err == nil {
			// Frame budget exhausted: let the rasterizer drain, then stop.
			waitDrained(runCtx, p)
			stop()
		}
		return err
	})
	if interval := cfg.StatsInterval(); interval > 0 {
		g.Go(func() error {
			reportStats(runCtx, interval, c)
			return nil
		})
	}

	err = g.Wait()

	rast.Teardown()
	platform.Terminate()
	raster.Terminate()

	printFinalStats(c)

	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Stopped by the producer, not by a signal.
		return nil
	}
	return err
}

// waitDrained polls until nothing is in flight or ctx is done.
func waitDrained(ctx context.Context, p *pipeline.Pipeline[*Frame]) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for p.Stats().InFlight > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println(titleStyle.Render(fmt.Sprintf("framesched %s", version)))
	fmt.Println(rowf("Pipeline depth", "%d", cfg.Pipeline.Depth))
	fmt.Println(rowf("Frame interval", "%v", cfg.FrameInterval()))
	fmt.Println(rowf("Draw latency", "%v", cfg.DrawLatency()))
	fmt.Println(rowf("Platform views", "every %d frames", cfg.Producer.PlatformViewEvery))
	fmt.Println(rowf("Merged lease", "%d frames", cfg.Rasterizer.MergedLeaseTerm))
	fmt.Println(rowf("Trace sink", "%s", cfg.Trace.Sink))
	fmt.Println()
}

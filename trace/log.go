package trace

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger (slog.Default() if nil).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "trace",
		slog.String("session", e.Session),
		slog.String("name", e.Name),
		slog.String("phase", e.Phase.String()),
		slog.Uint64("id", e.ID),
		slog.Time("at", e.At),
	)
}

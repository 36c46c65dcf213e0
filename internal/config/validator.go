package config

import (
	"fmt"
	"regexp"
	"strings"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.SessionID != "" && !sessionIDPattern.MatchString(cfg.SessionID) {
		return fmt.Errorf("session_id must match pattern [a-zA-Z0-9-]+")
	}

	// Pipeline
	if cfg.Pipeline.Depth < 0 {
		return fmt.Errorf("pipeline.depth must be >= 1")
	}
	if cfg.Pipeline.Depth == 0 {
		cfg.Pipeline.Depth = 2
	}

	// Producer
	if cfg.Producer.FrameIntervalMS < 0 {
		return fmt.Errorf("producer.frame_interval_ms must be > 0")
	}
	if cfg.Producer.FrameIntervalMS == 0 {
		cfg.Producer.FrameIntervalMS = 16
	}
	if cfg.Producer.Frames < 0 {
		return fmt.Errorf("producer.frames must be >= 0")
	}
	if cfg.Producer.PlatformViewEvery < 0 {
		return fmt.Errorf("producer.platform_view_every must be >= 0")
	}

	// Rasterizer
	if cfg.Rasterizer.DrawLatencyMS < 0 {
		return fmt.Errorf("rasterizer.draw_latency_ms must be >= 0")
	}
	if cfg.Rasterizer.DrawLatencyMS == 0 {
		cfg.Rasterizer.DrawLatencyMS = 8
	}
	if cfg.Rasterizer.MergedLeaseTerm < 0 {
		return fmt.Errorf("rasterizer.merged_lease_term must be > 0")
	}
	if cfg.Rasterizer.MergedLeaseTerm == 0 {
		cfg.Rasterizer.MergedLeaseTerm = 10
	}

	// Logging
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level '%s' unknown (must be debug, info, warn or error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format '%s' unknown (must be 'text' or 'json')", cfg.Log.Format)
	}

	// Trace sink
	if err := ValidateTrace(&cfg.Trace); err != nil {
		return fmt.Errorf("trace validation failed: %w", err)
	}

	if cfg.Stats.IntervalS < 0 {
		return fmt.Errorf("stats.interval_s must be >= 0")
	}

	return nil
}

// ValidateTrace validates the trace sink selection and its MQTT settings
func ValidateTrace(tc *TraceConfig) error {
	switch tc.Sink {
	case "":
		tc.Sink = "none"
	case "none", "log":
	case "mqtt":
		if tc.MQTT.Broker == "" {
			return fmt.Errorf("trace.mqtt.broker is required for the mqtt sink")
		}
		if tc.MQTT.QoS > 2 {
			return fmt.Errorf("trace.mqtt.qos must be 0, 1 or 2, got %d", tc.MQTT.QoS)
		}
		if tc.MQTT.ClientID == "" {
			tc.MQTT.ClientID = "framesched"
		}
		if tc.MQTT.TopicPrefix == "" {
			tc.MQTT.TopicPrefix = "framesched/trace"
		}
		if tc.MQTT.Buffer < 0 {
			return fmt.Errorf("trace.mqtt.buffer must be >= 0")
		}
		if tc.MQTT.Buffer == 0 {
			tc.MQTT.Buffer = 256
		}
	default:
		return fmt.Errorf("trace.sink '%s' unknown (must be 'none', 'log' or 'mqtt')", tc.Sink)
	}
	return nil
}

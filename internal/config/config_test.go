package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.Depth != 2 {
		t.Errorf("pipeline.depth = %d", cfg.Pipeline.Depth)
	}
	if cfg.FrameInterval() != 16*time.Millisecond {
		t.Errorf("frame interval = %v", cfg.FrameInterval())
	}
	if cfg.DrawLatency() != 8*time.Millisecond {
		t.Errorf("draw latency = %v", cfg.DrawLatency())
	}
	if cfg.Rasterizer.MergedLeaseTerm != 10 {
		t.Errorf("merged_lease_term = %d", cfg.Rasterizer.MergedLeaseTerm)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Trace.Sink != "none" {
		t.Errorf("trace.sink = %q", cfg.Trace.Sink)
	}
	if cfg.StatsInterval() != 0 {
		t.Errorf("stats interval = %v", cfg.StatsInterval())
	}
}

func TestLoad(t *testing.T) {
	doc := `
session_id: bench-01
pipeline:
  depth: 3
producer:
  frame_interval_ms: 8
  frames: 120
  platform_view_every: 30
rasterizer:
  draw_latency_ms: 4
  merged_lease_term: 5
log:
  level: DEBUG
  format: json
trace:
  sink: mqtt
  mqtt:
    broker: tcp://localhost:1883
    qos: 1
stats:
  interval_s: 2
`
	path := filepath.Join(t.TempDir(), "framesched.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SessionID != "bench-01" || cfg.Pipeline.Depth != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Producer.Frames != 120 || cfg.Producer.PlatformViewEvery != 30 {
		t.Errorf("producer = %+v", cfg.Producer)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want lower-cased", cfg.Log.Level)
	}
	mqtt := cfg.Trace.MQTT
	if mqtt.ClientID != "framesched" || mqtt.TopicPrefix != "framesched/trace" || mqtt.Buffer != 256 || mqtt.QoS != 1 {
		t.Errorf("trace.mqtt defaults = %+v", mqtt)
	}
	if cfg.StatsInterval() != 2*time.Second {
		t.Errorf("stats interval = %v", cfg.StatsInterval())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"bad session":     "session_id: 'no spaces'",
		"negative depth":  "pipeline: {depth: -1}",
		"negative frames": "producer: {frames: -5}",
		"bad level":       "log: {level: loud}",
		"bad format":      "log: {format: xml}",
		"unknown sink":    "trace: {sink: kafka}",
		"mqtt no broker":  "trace: {sink: mqtt}",
		"mqtt bad qos":    "trace: {sink: mqtt, mqtt: {broker: 'tcp://b:1883', qos: 3}}",
		"negative stats":  "stats: {interval_s: -1}",
		"malformed yaml":  "pipeline: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Errorf("Parse(%q) succeeded", doc)
			}
		})
	}
}

func TestParseErrorMentionsField(t *testing.T) {
	_, err := Parse([]byte("trace: {sink: mqtt}"))
	if err == nil || !strings.Contains(err.Error(), "trace.mqtt.broker") {
		t.Errorf("err = %v", err)
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete framesched configuration
type Config struct {
	SessionID  string           `yaml:"session_id"` // Trace session; generated when empty
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Producer   ProducerConfig   `yaml:"producer"`
	Rasterizer RasterizerConfig `yaml:"rasterizer"`
	Log        LogConfig        `yaml:"log"`
	Trace      TraceConfig      `yaml:"trace"`
	Stats      StatsConfig      `yaml:"stats"`
}

// PipelineConfig contains frame pipeline settings
type PipelineConfig struct {
	Depth int `yaml:"depth"` // Max frames in flight (default: 2)
}

// ProducerConfig contains synthetic frame producer settings
type ProducerConfig struct {
	FrameIntervalMS   int `yaml:"frame_interval_ms"`   // Vsync period (default: 16)
	Frames            int `yaml:"frames"`              // Frames to produce, 0 = until shutdown
	PlatformViewEvery int `yaml:"platform_view_every"` // Every Nth frame embeds a platform view, 0 = never
}

// RasterizerConfig contains consumer settings
type RasterizerConfig struct {
	DrawLatencyMS   int `yaml:"draw_latency_ms"`   // Simulated draw cost (default: 8)
	MergedLeaseTerm int `yaml:"merged_lease_term"` // Frames to stay merged (default: 10)
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TraceConfig selects the trace sink
type TraceConfig struct {
	Sink string          `yaml:"sink"` // none, log, mqtt
	MQTT TraceMQTTConfig `yaml:"mqtt"`
}

// TraceMQTTConfig contains MQTT trace sink settings
type TraceMQTTConfig struct {
	Broker      string `yaml:"broker"` // URL (tcp://host:1883); bare host:port means tcp
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Buffer      int    `yaml:"buffer"` // Events buffered before dropping
}

// StatsConfig contains stats display settings
type StatsConfig struct {
	IntervalS int `yaml:"interval_s"` // 0 disables periodic stats
}

// FrameInterval returns the producer period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Producer.FrameIntervalMS) * time.Millisecond
}

// DrawLatency returns the simulated draw cost.
func (c *Config) DrawLatency() time.Duration {
	return time.Duration(c.Rasterizer.DrawLatencyMS) * time.Millisecond
}

// StatsInterval returns the stats display period (0 = disabled).
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Stats.IntervalS) * time.Second
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

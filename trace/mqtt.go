package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrSinkClosed is returned by operations on a closed MQTTSink.
var ErrSinkClosed = errors.New("trace: sink is closed")

// Publisher is the subset of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883 (required for
	// DialMQTT). A bare host:port is dialled over tcp.
	Broker string
	// ClientID identifies this process to the broker.
	ClientID string
	// TopicPrefix is prepended to every topic: {prefix}/{session}/{name}.
	TopicPrefix string
	// QoS for every publish (0, 1 or 2).
	QoS byte
	// Buffer is the number of events held while the publisher goroutine
	// is busy. Events beyond it are dropped. Default 256.
	Buffer int
	// PublishTimeout bounds the wait for each publish token. Default 2s.
	PublishTimeout time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "framesched/trace"
	}
	return c
}

// MQTTStats is a snapshot of MQTTSink counters.
type MQTTStats struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// MQTTSink publishes events to an MQTT broker from a background goroutine.
//
// Emit never blocks: events go into a bounded buffer and are dropped when
// the buffer is full, the same "drop, never queue" policy the frame path
// follows. Dropped events are counted in Stats.
type MQTTSink struct {
	cfg    MQTTConfig
	pub    Publisher
	logger *slog.Logger

	mu     sync.RWMutex // Protects closed and the send side of events
	closed bool
	events chan Event
	wg     sync.WaitGroup

	disconnect func()

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// DialMQTT connects to cfg.Broker and returns a sink publishing through it.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("trace: mqtt broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("trace: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("trace: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker)
	}

	client := mqtt.NewClient(opts)

	logger.Info("trace: connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// Stops the connect-retry goroutine.
		client.Disconnect(0)
		return nil, fmt.Errorf("trace: mqtt connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("trace: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("trace: mqtt connection failed: %w", err)
	}

	s := NewMQTTSink(client, cfg, logger)
	s.disconnect = func() {
		client.Disconnect(250)
		logger.Info("trace: mqtt disconnected")
	}
	return s, nil
}

// brokerURL adds the tcp scheme to a bare host:port.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// NewMQTTSink starts a sink publishing through pub.
func NewMQTTSink(pub Publisher, cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &MQTTSink{
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		events: make(chan Event, cfg.Buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit queues e for publishing or drops it if the buffer is full.
func (s *MQTTSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Close stops accepting events, publishes what is buffered and disconnects.
// A second Close returns ErrSinkClosed.
func (s *MQTTSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.wg.Wait()

	if s.disconnect != nil {
		s.disconnect()
	}
	return nil
}

// Stats returns publish counters.
func (s *MQTTSink) Stats() MQTTStats {
	return MQTTStats{
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
		Errors:    s.errors.Load(),
	}
}

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.TopicPrefix, e.Session, e.Name)
}

func (s *MQTTSink) run() {
	defer s.wg.Done()

	for e := range s.events {
		if err := s.publish(e); err != nil {
			s.errors.Add(1)
			s.logger.Debug("trace: mqtt publish failed",
				"name", e.Name,
				"id", e.ID,
				"error", err)
			continue
		}
		s.published.Add(1)
	}
}

func (s *MQTTSink) publish(e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}

	token := s.pub.Publish(s.Topic(e), s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

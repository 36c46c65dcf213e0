// Package trace emits begin/end event pairs for pipeline items and thread
// merges.
//
// Every traced span is a pair of events sharing a name and a monotonically
// increasing id. Events are stamped with a session identifier so that several
// pipelines (or several processes) can share one sink.
//
// Sinks:
//   - Nop: discards everything (default)
//   - LogSink: writes events to a *slog.Logger at debug level
//   - MQTTSink: publishes msgpack-encoded events to an MQTT broker,
//     dropping events when the broker cannot keep up
//   - Tee: fans out to several sinks
package trace

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase marks whether an event opens or closes a span.
type Phase uint8

const (
	PhaseBegin Phase = iota + 1
	PhaseEnd
)

// String returns "begin", "end" or "unknown".
func (p Phase) String() string {
	switch p {
	case PhaseBegin:
		return "begin"
	case PhaseEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is a single trace record.
type Event struct {
	Session string    `msgpack:"session"`
	Name    string    `msgpack:"name"`
	Phase   Phase     `msgpack:"phase"`
	ID      uint64    `msgpack:"id"`
	At      time.Time `msgpack:"at"`
}

// Sink consumes trace events. Emit must not block the caller for long:
// it is called from producer, consumer and merger hot paths.
type Sink interface {
	Emit(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Tee forwards every event to each sink in order.
type Tee []Sink

func (t Tee) Emit(e Event) {
	for _, s := range t {
		s.Emit(e)
	}
}

// Tracer stamps events with a session and a timestamp before handing them
// to a Sink. A nil *Tracer is valid and emits nothing.
type Tracer struct {
	session string
	sink    Sink
	now     func() time.Time
}

// New returns a Tracer writing to sink. An empty session gets a fresh
// session ID; a nil sink is replaced with Nop.
func New(sink Sink, session string) *Tracer {
	if sink == nil {
		sink = Nop{}
	}
	if session == "" {
		session = NewSessionID()
	}
	return &Tracer{session: session, sink: sink, now: time.Now}
}

// Session returns the session identifier stamped on every event.
func (t *Tracer) Session() string {
	if t == nil {
		return ""
	}
	return t.session
}

// Begin emits the opening event of span (name, id).
func (t *Tracer) Begin(name string, id uint64) {
	t.emit(name, PhaseBegin, id)
}

// End emits the closing event of span (name, id).
func (t *Tracer) End(name string, id uint64) {
	t.emit(name, PhaseEnd, id)
}

func (t *Tracer) emit(name string, phase Phase, id uint64) {
	if t == nil {
		return
	}
	t.sink.Emit(Event{
		Session: t.session,
		Name:    name,
		Phase:   phase,
		ID:      id,
		At:      t.now(),
	})
}

// IDSource hands out monotonically increasing span ids starting at 1.
// The zero value is ready to use.
type IDSource struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *IDSource) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id (0 if none).
func (s *IDSource) Last() uint64 {
	return s.last.Load()
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

package trace

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes an event as msgpack.
func Encode(e Event) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("trace: encode event %s/%d: %w", e.Name, e.ID, err)
	}
	return b, nil
}

// Decode parses a msgpack payload produced by Encode.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("trace: decode event: %w", err)
	}
	return e, nil
}

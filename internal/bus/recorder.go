package bus

import (
	"context"
	"sync"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/events"
)

// Recorder is a Publisher that keeps submitted events in memory for a caller
// to deliver by hand. Events are round-tripped through the wire codec.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Submit validates ev through the codec and records it. The delay is ignored.
func (r *Recorder) Submit(_ context.Context, ev events.Event, _ time.Duration) error {
	data, err := events.Encode(ev)
	if err != nil {
		return err
	}
	decoded, err := events.Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, decoded)
	return nil
}

// Drain returns and forgets everything recorded so far.
func (r *Recorder) Drain() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range r.Events() {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

// Package mock provides a recording [events.Emitter] and
// [events.Publisher] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/kiro/internal/events"
)

var (
	_ events.Emitter   = (*Recorder)(nil)
	_ events.Publisher = (*Recorder)(nil)
)

// Recorder records every emitted event in order. The zero value is ready to
// use.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Emit implements [events.Emitter].
func (r *Recorder) Emit(_ context.Context, name string, payload events.Payload) events.Event {
	ev := events.Event{Name: name, Payload: payload, Timestamp: time.Now()}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return ev
}

// EmitSync implements [events.Publisher].
func (r *Recorder) EmitSync(name string, payload events.Payload) events.Event {
	return r.Emit(context.Background(), name, payload)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Find returns the first recorded event with the given name.
func (r *Recorder) Find(name string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return events.Event{}, false
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

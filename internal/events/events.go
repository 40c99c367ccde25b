// Package events is the in-process publish/subscribe bus that connects the
// audio pipeline, the intent router, the EFE and the speaker.
//
// Subscriptions match event names exactly, by dotted prefix ("task.*"
// matches "task.created" and "task.reminder.due") or globally ("*").
//
// While the bus is running, emitted events are queued and delivered by a
// single dispatch goroutine in emission order. Before [Bus.Start] and after
// [Bus.Stop], [Bus.Emit] delivers inline on the caller's goroutine.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names emitted by the daemon.
const (
	WakeWordDetected     = "audio.wake_word_detected"
	UtteranceStarted     = "audio.utterance_started"
	UtteranceComplete    = "audio.utterance_complete"
	UtteranceAbandoned   = "audio.utterance_abandoned"
	TranscriptionError   = "audio.transcription_error"
	IntentClassified     = "intent.classified"
	TTSStarted           = "tts.started"
	TTSCompleted         = "tts.completed"
	TaskCreated          = "task.created"
	TaskCompleted        = "task.completed"
	ReminderCreated      = "reminder.created"
	ReminderTriggered    = "reminder.triggered"
	ReminderAcknowledged = "reminder.acknowledged"
	DaemonStarted        = "kiro.started"
	DaemonStopping       = "kiro.stopping"
)

const (
	defaultQueueSize      = 1000
	defaultHandlerTimeout = 30 * time.Second
	defaultDrainTimeout   = 5 * time.Second
)

// Payload carries event data. Values should be JSON-encodable so that
// events can be forwarded to external subscribers.
type Payload map[string]any

// Event is a single published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// String returns a short identification used in logs.
func (e Event) String() string {
	id := e.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("Event(%s, id=%s)", e.Name, id)
}

// Handler processes one event. ctx carries the per-handler timeout. A
// returned error is logged and does not affect other handlers.
type Handler func(ctx context.Context, ev Event) error

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(ctx context.Context, name string, payload Payload) Event
}

// Publisher publishes without ever blocking the caller. Realtime loops use
// it so that a saturated bus costs events, not audio.
type Publisher interface {
	EmitSync(name string, payload Payload) Event
}

// SubscriptionID identifies a subscription for [Bus.Unsubscribe].
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	pattern string
	handler Handler
}

// Option configures a [Bus].
type Option func(*Bus)

// WithQueueSize sets the capacity of the dispatch queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithHandlerTimeout bounds the time a single handler may take per event.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithDrainTimeout bounds how long [Bus.Stop] keeps delivering queued events.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bus) { b.drainTimeout = d }
}

// WithObserver registers fn to be called for every dispatched event, after
// its handlers have run. Used for metrics.
func WithObserver(fn func(ev Event, handlers int)) Option {
	return func(b *Bus) { b.observe = fn }
}

// Bus is an asynchronous event bus. All methods are safe for concurrent use.
type Bus struct {
	queueSize      int
	handlerTimeout time.Duration
	drainTimeout   time.Duration
	observe        func(Event, int)

	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  SubscriptionID
	running bool
	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
}

var (
	_ Emitter   = (*Bus)(nil)
	_ Publisher = (*Bus)(nil)
)

// New creates a stopped bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize:      defaultQueueSize,
		handlerTimeout: defaultHandlerTimeout,
		drainTimeout:   defaultDrainTimeout,
		subs:           make(map[string][]subscription),
	}
	for _, o := range opts {
		o(b)
	}
	if b.queueSize <= 0 {
		b.queueSize = defaultQueueSize
	}
	b.queue = make(chan Event, b.queueSize)
	return b
}

// Subscribe registers h for events matching pattern.
func (b *Bus) Subscribe(pattern string, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[pattern] = append(b.subs[pattern], subscription{id: id, pattern: pattern, handler: h})
	slog.Debug("events: handler subscribed", "pattern", pattern, "subscription", id)
	return id
}

// Unsubscribe removes the subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, list := range b.subs {
		for i, s := range list {
			if s.id != id {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.subs, pattern)
			} else {
				b.subs[pattern] = list
			}
			return true
		}
	}
	return false
}

// handlersFor returns the handlers matching name: exact subscribers first,
// then dotted-prefix wildcards from shortest to longest, then "*".
func (b *Bus) handlersFor(name string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []subscription
	out = append(out, b.subs[name]...)

	parts := strings.Split(name, ".")
	for i := range parts {
		out = append(out, b.subs[strings.Join(parts[:i+1], ".")+".*"]...)
	}
	if name != "*" {
		out = append(out, b.subs["*"]...)
	}
	return out
}

// Match reports whether an event named name is delivered to a subscription
// with pattern: an exact name, "*", or a dotted prefix ending in ".*".
func Match(pattern, name string) bool {
	switch {
	case pattern == "*" || pattern == name:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func newEvent(name string, payload Payload) Event {
	if payload == nil {
		payload = Payload{}
	}
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Emit publishes an event. While running the event is queued, waiting for
// queue space until ctx is done; otherwise handlers run inline before Emit
// returns.
func (b *Bus) Emit(ctx context.Context, name string, payload Payload) Event {
	ev := newEvent(name, payload)
	slog.Debug("events: emitted", "event", ev.String(), "payload_keys", len(ev.Payload))

	b.mu.RLock()
	running, stop := b.running, b.stop
	b.mu.RUnlock()

	if !running {
		b.dispatch(ctx, ev)
		return ev
	}
	select {
	case b.queue <- ev:
	case <-stop:
		b.dispatch(ctx, ev)
	case <-ctx.Done():
		slog.Warn("events: emit cancelled", "event", ev.String(), "err", ctx.Err())
	}
	return ev
}

// EmitSync publishes without blocking. The event is dropped with a warning
// when the queue is full or the bus is not running.
func (b *Bus) EmitSync(name string, payload Payload) Event {
	ev := newEvent(name, payload)

	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()

	if !running {
		slog.Warn("events: bus not running", "event", ev.String())
		return ev
	}
	select {
	case b.queue <- ev:
	default:
		slog.Warn("events: queue full", "event", ev.String())
	}
	return ev
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	subs := b.handlersFor(ev.Name)
	if len(subs) == 0 {
		slog.Debug("events: no handlers", "event", ev.String())
	}
	for _, s := range subs {
		b.invoke(ctx, s, ev)
	}
	if b.observe != nil {
		b.observe(ev, len(subs))
	}
}

// invoke runs one handler under the handler timeout. A handler that
// overruns is abandoned; its context is cancelled so it can return.
func (b *Bus) invoke(ctx context.Context, s subscription, ev Event) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.handlerTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		errc <- s.handler(hctx, ev)
	}()

	select {
	case err := <-errc:
		if err != nil {
			slog.Error("events: handler error", "event", ev.String(), "pattern", s.pattern, "err", err)
		}
	case <-hctx.Done():
		slog.Error("events: handler timeout", "event", ev.String(), "pattern", s.pattern, "timeout", b.handlerTimeout)
	}
}

// Start launches the dispatch goroutine. Calling Start on a running bus is
// a no-op.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.stop, b.done)
	slog.Info("events: bus started", "queue_size", b.queueSize)
	return nil
}

func (b *Bus) run(stop, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-stop:
			b.drain(ctx)
			return
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	if n := len(b.queue); n > 0 {
		slog.Info("events: draining queue", "remaining", n)
	}
	deadline := time.NewTimer(b.drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-deadline.C:
			slog.Warn("events: drain timeout", "remaining", len(b.queue))
			return
		default:
			return
		}
	}
}

// Stop stops accepting queued events, delivers what is already queued for
// at most the drain timeout and waits for the dispatcher to exit or ctx to
// be done.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		slog.Info("events: bus stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: stop: %w", ctx.Err())
	}
}

// Running reports whether the dispatcher is active.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// QueueLen returns the number of events waiting for dispatch.
func (b *Bus) QueueLen() int { return len(b.queue) }

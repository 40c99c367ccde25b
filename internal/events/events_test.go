package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) handler(tag string) Handler {
	return func(_ context.Context, ev Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.names = append(r.names, tag+":"+ev.Name)
		return nil
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBus_EmitInlineWhenStopped(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	b.Subscribe("task.created", rec.handler("exact"))

	ev := b.Emit(context.Background(), "task.created", Payload{"title": "Buy milk"})
	if ev.ID == "" {
		t.Fatal("expected event ID to be set")
	}
	if ev.Payload["title"] != "Buy milk" {
		t.Fatalf("payload title = %v, want Buy milk", ev.Payload["title"])
	}
	if got := rec.got(); !equal(got, []string{"exact:task.created"}) {
		t.Fatalf("got %v", got)
	}
}

func TestBus_WildcardMatching(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	b.Subscribe("*", rec.handler("all"))
	b.Subscribe("audio.*", rec.handler("audio"))
	b.Subscribe("audio.utterance_complete", rec.handler("exact"))
	b.Subscribe("task.*", rec.handler("task"))

	b.Emit(context.Background(), UtteranceComplete, nil)

	want := []string{
		"exact:audio.utterance_complete",
		"audio:audio.utterance_complete",
		"all:audio.utterance_complete",
	}
	if got := rec.got(); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBus_NestedPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	b.Subscribe("task.*", rec.handler("task"))
	b.Subscribe("task.reminder.*", rec.handler("reminder"))

	b.Emit(context.Background(), "task.reminder.due", nil)

	want := []string{"task:task.reminder.due", "reminder:task.reminder.due"}
	if got := rec.got(); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	id := b.Subscribe("x", rec.handler("h"))

	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for existing subscription")
	}
	if b.Unsubscribe(id) {
		t.Fatal("second Unsubscribe returned true")
	}
	b.Emit(context.Background(), "x", nil)
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("handler called after unsubscribe: %v", got)
	}
}

func TestBus_HandlerErrorIsolation(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	b.Subscribe("x", func(context.Context, Event) error { return errors.New("boom") })
	b.Subscribe("x", func(context.Context, Event) error { panic("kaboom") })
	b.Subscribe("x", rec.handler("ok"))

	b.Emit(context.Background(), "x", nil)

	if got := rec.got(); !equal(got, []string{"ok:x"}) {
		t.Fatalf("got %v", got)
	}
}

func TestBus_HandlerTimeout(t *testing.T) {
	t.Parallel()
	b := New(WithHandlerTimeout(20 * time.Millisecond))
	rec := &recorder{}
	b.Subscribe("x", func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b.Subscribe("x", rec.handler("after"))

	start := time.Now()
	b.Emit(context.Background(), "x", nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Emit took %v, handler timeout not applied", elapsed)
	}
	if got := rec.got(); !equal(got, []string{"after:x"}) {
		t.Fatalf("got %v", got)
	}
}

func TestBus_QueuedDeliveryInOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	b.Subscribe("n.*", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Name)
		if len(seen) == 3 {
			close(done)
		}
		return nil
	})

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop(ctx)

	b.Emit(ctx, "n.1", nil)
	b.EmitSync("n.2", nil)
	b.Emit(ctx, "n.3", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued events")
	}
	mu.Lock()
	defer mu.Unlock()
	if !equal(seen, []string{"n.1", "n.2", "n.3"}) {
		t.Fatalf("seen = %v", seen)
	}
}

func TestBus_EmitSyncWhenStoppedDrops(t *testing.T) {
	t.Parallel()
	b := New()
	rec := &recorder{}
	b.Subscribe("x", rec.handler("h"))

	b.EmitSync("x", nil)
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("EmitSync delivered while stopped: %v", got)
	}
}

func TestBus_EmitSyncQueueFull(t *testing.T) {
	t.Parallel()
	b := New(WithQueueSize(1))
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe("x", func(context.Context, Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	ctx := context.Background()
	_ = b.Start(ctx)
	b.EmitSync("x", nil)
	<-started
	b.EmitSync("x", nil) // fills the queue
	b.EmitSync("x", nil) // dropped

	if n := b.QueueLen(); n != 1 {
		t.Fatalf("QueueLen = %d, want 1", n)
	}
	close(block)
	_ = b.Stop(ctx)
}

func TestBus_StopDrainsQueue(t *testing.T) {
	t.Parallel()
	b := New()
	var mu sync.Mutex
	count := 0
	gate := make(chan struct{})
	b.Subscribe("x", func(context.Context, Event) error {
		<-gate
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	_ = b.Start(ctx)
	for range 5 {
		b.Emit(ctx, "x", nil)
	}
	close(gate)
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.Running() {
		t.Fatal("Running() = true after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("delivered %d events, want 5", count)
	}
}

func TestBus_Observer(t *testing.T) {
	t.Parallel()
	var gotName string
	var gotHandlers int
	b := New(WithObserver(func(ev Event, n int) {
		gotName, gotHandlers = ev.Name, n
	}))
	b.Subscribe("*", func(context.Context, Event) error { return nil })

	b.Emit(context.Background(), DaemonStarted, nil)
	if gotName != DaemonStarted || gotHandlers != 1 {
		t.Fatalf("observer got (%q, %d), want (%q, 1)", gotName, gotHandlers, DaemonStarted)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "task.created", true},
		{"task.created", "task.created", true},
		{"task.*", "task.created", true},
		{"task.*", "tasks.created", false},
		{"reminder.*", "task.created", false},
		{"kiro.audio.*", "kiro.audio.wake", true},
		{"task", "task.created", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

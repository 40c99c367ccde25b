package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/kiro/internal/events"
	eventsmock "github.com/MrWong99/kiro/internal/events/mock"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	sttmock "github.com/MrWong99/kiro/pkg/provider/stt/mock"
	"github.com/MrWong99/kiro/pkg/provider/vad"
	"github.com/MrWong99/kiro/pkg/provider/wakeword"
)

// ── fakes ──

type lifecycleLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *lifecycleLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *lifecycleLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ops)
}

type fakeSource struct {
	log      *lifecycleLog
	startErr error
	chunks   chan audio.Chunk
}

func (s *fakeSource) Start(context.Context) error {
	s.log.add("start capture")
	return s.startErr
}

func (s *fakeSource) Stop(context.Context) error {
	s.log.add("stop capture")
	return nil
}

func (s *fakeSource) Chunk(ctx context.Context, timeout time.Duration) (audio.Chunk, bool) {
	select {
	case c := <-s.chunks:
		return c, true
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	return audio.Chunk{}, false
}

type fakeWake struct {
	log      *lifecycleLog
	startErr error
	trigger  bool
	resets   int
}

func (w *fakeWake) Start(context.Context) error {
	w.log.add("start wake word")
	return w.startErr
}

func (w *fakeWake) Stop(context.Context) error {
	w.log.add("stop wake word")
	return nil
}

func (w *fakeWake) Process(_ context.Context, chunk audio.Chunk) *wakeword.Detection {
	if !w.trigger {
		return nil
	}
	w.trigger = false
	return &wakeword.Detection{Model: "hey_kiro", Score: 0.9, Timestamp: chunk.Timestamp}
}

func (w *fakeWake) Reset() { w.resets++ }

type fakeVAD struct {
	log      *lifecycleLog
	buffered []audio.Chunk
	padding  *audio.Chunk
	end      bool
	resets   int
	panicOn  bool
}

func (v *fakeVAD) Start(context.Context) error {
	v.log.add("start vad")
	return nil
}

func (v *fakeVAD) Stop(context.Context) error {
	v.log.add("stop vad")
	return nil
}

func (v *fakeVAD) Process(audio.Chunk) vad.Result {
	if v.panicOn {
		panic("classifier exploded")
	}
	if v.end {
		v.end = false
		return vad.Result{EndOfSpeech: true, SpeechDuration: 500 * time.Millisecond}
	}
	return vad.Result{IsSpeech: true, IsSpeaking: true}
}

func (v *fakeVAD) BufferAudio(c audio.Chunk) { v.buffered = append(v.buffered, c) }

func (v *fakeVAD) PaddingAudio() (audio.Chunk, bool) {
	if v.padding == nil {
		return audio.Chunk{}, false
	}
	return *v.padding, true
}

func (v *fakeVAD) Reset() { v.resets++ }

type fixture struct {
	log    *lifecycleLog
	source *fakeSource
	wake   *fakeWake
	vad    *fakeVAD
	stt    *sttmock.Provider
	events *eventsmock.Recorder
	p      *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := &lifecycleLog{}
	f := &fixture{
		log:    log,
		source: &fakeSource{log: log, chunks: make(chan audio.Chunk, 16)},
		wake:   &fakeWake{log: log},
		vad:    &fakeVAD{log: log},
		stt:    &sttmock.Provider{Result: stt.Result{Text: "add milk to my list", Confidence: 0.92}},
		events: &eventsmock.Recorder{},
	}
	p, err := New(Deps{
		Source: f.source,
		Wake:   f.wake,
		VAD:    f.vad,
		STT:    f.stt,
		Events: f.events,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.p = p
	return f
}

func chunk(n int) audio.Chunk {
	return audio.Chunk{
		Samples:    make([]float32, 1600),
		SampleRate: 16000,
		Timestamp:  time.Unix(int64(n), 0),
	}
}

// ── tests ──

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error for empty deps")
	}
	f := newFixture(t)
	_, err := New(Deps{Source: f.source, Wake: f.wake, VAD: f.vad, STT: f.stt, Events: f.events}, WithMaxBufferedChunks(0))
	if err == nil {
		t.Fatal("expected error for zero max buffered chunks")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Idle: "idle", Listening: "listening", Processing: "processing", State(7): "State(7)"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}

func TestIdle_BuffersPaddingWithoutWakeWord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.p.handleChunk(ctx, chunk(1))
	f.p.handleChunk(ctx, chunk(2))

	if got := f.p.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got := len(f.vad.buffered); got != 2 {
		t.Errorf("padding chunks = %d, want 2", got)
	}
	if got := len(f.events.Events()); got != 0 {
		t.Errorf("events = %v, want none", f.events.Names())
	}
}

func TestWakeWord_StartsListening(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	pad := chunk(0)
	f.vad.padding = &pad

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))

	if got := f.p.State(); got != Listening {
		t.Fatalf("state = %v, want listening", got)
	}
	if got := len(f.p.buffer); got != 1 {
		t.Errorf("buffer = %d chunks, want 1 (padding)", got)
	}
	if f.vad.resets != 1 {
		t.Errorf("vad resets = %d, want 1", f.vad.resets)
	}
	want := []string{events.WakeWordDetected, events.UtteranceStarted}
	if got := f.events.Names(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	ev, ok := f.events.Find(events.WakeWordDetected)
	if !ok {
		t.Fatal("wake word event missing")
	}
	if ev.Payload["model"] != "hey_kiro" {
		t.Errorf("model = %v, want hey_kiro", ev.Payload["model"])
	}
}

func TestWakeWord_DoesNotBlockOnSaturatedBus(t *testing.T) {
	t.Parallel()
	bus := events.New(events.WithQueueSize(1))
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	bus.Subscribe("*", func(context.Context, events.Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		close(release)
		_ = bus.Stop(context.Background())
	})

	// One event holds the dispatcher, the next fills the queue.
	bus.EmitSync("test.busy", nil)
	<-entered
	bus.EmitSync("test.queued", nil)

	f := newFixture(t)
	p, err := New(Deps{Source: f.source, Wake: f.wake, VAD: f.vad, STT: f.stt, Events: bus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.wake.trigger = true

	done := make(chan struct{})
	go func() {
		p.handleChunk(context.Background(), chunk(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleChunk blocked on a full event queue")
	}
	if got := p.State(); got != Listening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestEndOfSpeech_TranscribesAndReturnsToIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))
	f.p.handleChunk(ctx, chunk(2))
	f.p.handleChunk(ctx, chunk(3))
	f.vad.end = true
	f.p.handleChunk(ctx, chunk(4))

	if got := f.p.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got := len(f.p.buffer); got != 0 {
		t.Errorf("buffer = %d chunks, want 0", got)
	}
	if got := f.stt.CallCount(); got != 1 {
		t.Fatalf("transcribe calls = %d, want 1", got)
	}
	if got := len(f.stt.Calls[0].Utterance.Samples); got != 3*1600 {
		t.Errorf("utterance samples = %d, want %d", got, 3*1600)
	}
	if f.wake.resets != 1 {
		t.Errorf("wake resets = %d, want 1", f.wake.resets)
	}
	ev, ok := f.events.Find(events.UtteranceComplete)
	if !ok {
		t.Fatalf("utterance_complete missing; events = %v", f.events.Names())
	}
	if ev.Payload["transcript"] != "add milk to my list" {
		t.Errorf("transcript = %v, want %q", ev.Payload["transcript"], "add milk to my list")
	}
	if ev.Payload["confidence"] != 0.92 {
		t.Errorf("confidence = %v, want 0.92", ev.Payload["confidence"])
	}
}

func TestEmptyTranscript_EmitsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Set(stt.Result{}, nil)
	ctx := context.Background()

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))
	f.vad.end = true
	f.p.handleChunk(ctx, chunk(2))

	if _, ok := f.events.Find(events.UtteranceComplete); ok {
		t.Error("unexpected utterance_complete for empty transcript")
	}
	if _, ok := f.events.Find(events.TranscriptionError); ok {
		t.Error("unexpected transcription_error for empty transcript")
	}
	if got := f.p.State(); got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestTranscriptionError_EmitsErrorEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Set(stt.Result{}, errors.New("model unavailable"))
	ctx := context.Background()

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))
	f.vad.end = true
	f.p.handleChunk(ctx, chunk(2))

	ev, ok := f.events.Find(events.TranscriptionError)
	if !ok {
		t.Fatalf("transcription_error missing; events = %v", f.events.Names())
	}
	if ev.Payload["error"] != "model unavailable" {
		t.Errorf("error = %v, want %q", ev.Payload["error"], "model unavailable")
	}
	if got := f.p.State(); got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

// Not parallel: swaps the global tracer provider.
func TestTranscriptionError_FailsSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	f := newFixture(t)
	f.stt.Set(stt.Result{}, errors.New("model unavailable"))
	ctx := context.Background()
	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))
	f.vad.end = true
	f.p.handleChunk(ctx, chunk(2))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != observe.SpanTranscribe {
		t.Errorf("span name = %q, want %q", spans[0].Name, observe.SpanTranscribe)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestLongUtterance_Abandoned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithMaxBufferedChunks(5))
	ctx := context.Background()

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(0))
	for i := 1; i <= 6; i++ {
		f.p.handleChunk(ctx, chunk(i))
	}

	if got := f.p.State(); got != Idle {
		t.Fatalf("state = %v, want idle", got)
	}
	if got := f.stt.CallCount(); got != 0 {
		t.Errorf("transcribe calls = %d, want 0", got)
	}
	ev, ok := f.events.Find(events.UtteranceAbandoned)
	if !ok {
		t.Fatalf("utterance_abandoned missing; events = %v", f.events.Names())
	}
	if ev.Payload["chunks"] != 6 {
		t.Errorf("chunks = %v, want 6", ev.Payload["chunks"])
	}
	if got := len(f.p.buffer); got != 0 {
		t.Errorf("buffer = %d chunks, want 0", got)
	}
}

func TestStep_RecoversPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.wake.trigger = true
	f.p.handleChunk(ctx, chunk(1))
	f.vad.panicOn = true
	f.source.chunks <- chunk(2)

	if err := f.p.step(ctx); err == nil {
		t.Fatal("expected error from panicking iteration")
	}
}

func TestStartStop_Order(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithChunkTimeout(5*time.Millisecond))
	ctx := context.Background()

	if err := f.p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.p.Running() {
		t.Fatal("Running() = false after Start")
	}
	if err := f.p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := f.p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.p.Running() {
		t.Fatal("Running() = true after Stop")
	}

	want := []string{
		"start capture", "start wake word", "start vad",
		"stop vad", "stop wake word", "stop capture",
	}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
}

func TestStart_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.wake.startErr = errors.New("model missing")

	if err := f.p.Start(context.Background()); err == nil {
		t.Fatal("expected Start error")
	}
	want := []string{"start capture", "start wake word", "stop capture"}
	if got := f.log.list(); !slices.Equal(got, want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
	if f.p.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestLoop_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithChunkTimeout(5*time.Millisecond))
	ctx := context.Background()
	f.wake.trigger = true

	if err := f.p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.p.Stop(ctx) })

	f.source.chunks <- chunk(1)
	f.source.chunks <- chunk(2)

	deadline := time.Now().Add(2 * time.Second)
	for f.p.State() != Listening {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want listening", f.p.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Package pipeline runs the voice front end: it pulls microphone chunks,
// waits for the wake word, records until voice activity detection reports
// the end of speech and publishes the transcript on the event bus.
//
// The pipeline is a three-state machine:
//
//	Idle ──wake word──▶ Listening ──end of speech──▶ Processing ──▶ Idle
//
// Processing runs synchronously inside the listening handler. While a
// transcription is in flight no chunks are read; the capture queue keeps
// filling and drops chunks on overflow.
//
// VAD and wake-word state are touched only by the loop goroutine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kiro/internal/events"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	"github.com/MrWong99/kiro/pkg/provider/vad"
	"github.com/MrWong99/kiro/pkg/provider/wakeword"
)

// State is the pipeline's position in the utterance cycle.
type State int32

const (
	Idle State = iota
	Listening
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ── Collaborators ──

// Lifecycle is implemented by collaborators that need starting and
// stopping with the pipeline.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Source delivers audio chunks. [audio.Capture] implements it.
type Source interface {
	Lifecycle
	// Chunk waits up to timeout for the next chunk and reports false on
	// timeout or when not running.
	Chunk(ctx context.Context, timeout time.Duration) (audio.Chunk, bool)
}

// WakeWord spots the trigger phrase. [wakeword.Detector] implements it.
type WakeWord interface {
	Lifecycle
	Process(ctx context.Context, chunk audio.Chunk) *wakeword.Detection
	Reset()
}

// ActivityDetector tracks speech boundaries. [vad.Detector] implements it.
type ActivityDetector interface {
	Lifecycle
	Process(chunk audio.Chunk) vad.Result
	BufferAudio(chunk audio.Chunk)
	PaddingAudio() (audio.Chunk, bool)
	Reset()
}

var (
	_ Source           = (*audio.Capture)(nil)
	_ WakeWord         = (*wakeword.Detector)(nil)
	_ ActivityDetector = (*vad.Detector)(nil)
)

// Deps are the pipeline's collaborators. All fields are required. STT is
// started and stopped too when it implements [Lifecycle].
type Deps struct {
	Source Source
	Wake   WakeWord
	VAD    ActivityDetector
	STT    stt.Provider
	Events events.Publisher
}

// ── Options ──

const (
	// DefaultMaxBufferedChunks caps an utterance at about 30 s of 100 ms
	// chunks.
	DefaultMaxBufferedChunks = 300

	defaultChunkTimeout      = 100 * time.Millisecond
	defaultErrorPause        = 100 * time.Millisecond
	defaultLoopStopTimeout   = 2 * time.Second
	defaultComponentTimeout  = time.Second
	defaultTranscribeTimeout = 30 * time.Second
	defaultLevelLogInterval  = 50
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMaxBufferedChunks sets the utterance length, in chunks, after which
// the recording is abandoned.
func WithMaxBufferedChunks(n int) Option {
	return func(p *Pipeline) { p.maxChunks = n }
}

// WithChunkTimeout sets how long the loop waits for a chunk before checking
// for shutdown.
func WithChunkTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.chunkTimeout = d }
}

// WithTranscribeTimeout bounds a single transcription.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.transcribeTimeout = d }
}

// WithStopTimeouts sets how long Stop waits for the loop and for each
// collaborator.
func WithStopTimeouts(loop, component time.Duration) Option {
	return func(p *Pipeline) {
		p.loopStopTimeout = loop
		p.componentTimeout = component
	}
}

// WithErrorPause sets the pause after a failed loop iteration.
func WithErrorPause(d time.Duration) Option {
	return func(p *Pipeline) { p.errorPause = d }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// ── Pipeline ──

// Pipeline coordinates capture, wake word, VAD and STT.
type Pipeline struct {
	deps Deps

	maxChunks         int
	chunkTimeout      time.Duration
	transcribeTimeout time.Duration
	loopStopTimeout   time.Duration
	componentTimeout  time.Duration
	errorPause        time.Duration
	metrics           *observe.Metrics

	state atomic.Int32

	// Owned by the loop goroutine.
	buffer     []audio.Chunk
	chunkCount int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates deps and returns an idle, stopped pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("pipeline: audio source is required")
	case deps.Wake == nil:
		return nil, fmt.Errorf("pipeline: wake word detector is required")
	case deps.VAD == nil:
		return nil, fmt.Errorf("pipeline: voice activity detector is required")
	case deps.STT == nil:
		return nil, fmt.Errorf("pipeline: speech-to-text provider is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("pipeline: event emitter is required")
	}
	p := &Pipeline{
		deps:              deps,
		maxChunks:         DefaultMaxBufferedChunks,
		chunkTimeout:      defaultChunkTimeout,
		transcribeTimeout: defaultTranscribeTimeout,
		loopStopTimeout:   defaultLoopStopTimeout,
		componentTimeout:  defaultComponentTimeout,
		errorPause:        defaultErrorPause,
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxChunks <= 0 {
		return nil, fmt.Errorf("pipeline: max buffered chunks must be positive, got %d", p.maxChunks)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// State returns the current state. Safe to call from any goroutine.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Running reports whether the loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) setState(ctx context.Context, s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		slog.Debug("pipeline: state change", "from", prev, "to", s)
		p.metrics.PipelineState.Record(ctx, int64(s))
	}
}

func (p *Pipeline) collaborators() []struct {
	name string
	lc   Lifecycle
} {
	list := []struct {
		name string
		lc   Lifecycle
	}{
		{"capture", p.deps.Source},
		{"wake word", p.deps.Wake},
		{"vad", p.deps.VAD},
	}
	if lc, ok := p.deps.STT.(Lifecycle); ok {
		list = append(list, struct {
			name string
			lc   Lifecycle
		}{"stt", lc})
	}
	return list
}

// Start starts the collaborators in order (capture, wake word, VAD, STT)
// and launches the processing loop. If a collaborator fails, the ones
// already started are stopped again.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		slog.Warn("pipeline: already running")
		return nil
	}

	comps := p.collaborators()
	for i, c := range comps {
		if err := c.lc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				p.stopComponent(ctx, comps[j].name, comps[j].lc)
			}
			return fmt.Errorf("pipeline: start %s: %w", c.name, err)
		}
	}

	p.resetUtterance()
	p.setState(ctx, Idle)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(loopCtx, p.done)

	slog.Info("pipeline: started", "max_buffered_chunks", p.maxChunks)
	return nil
}

// Stop cancels the loop, waits for it up to the loop timeout and then stops
// the collaborators in reverse order, each bounded by the component
// timeout. Timeouts are logged and do not fail Stop.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(p.loopStopTimeout):
		slog.Warn("pipeline: loop did not exit in time", "timeout", p.loopStopTimeout)
	case <-ctx.Done():
		slog.Warn("pipeline: stop cancelled while waiting for loop", "err", ctx.Err())
	}

	comps := p.collaborators()
	for i := len(comps) - 1; i >= 0; i-- {
		p.stopComponent(ctx, comps[i].name, comps[i].lc)
	}
	p.setState(ctx, Idle)
	slog.Info("pipeline: stopped")
	return nil
}

func (p *Pipeline) stopComponent(ctx context.Context, name string, lc Lifecycle) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.componentTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- lc.Stop(stopCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			slog.Warn("pipeline: stop component failed", "component", name, "err", err)
		}
	case <-stopCtx.Done():
		slog.Warn("pipeline: stop component timed out", "component", name, "timeout", p.componentTimeout)
	}
}

// ── Loop ──

func (p *Pipeline) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.step(ctx); err != nil {
			slog.Error("pipeline: loop iteration failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorPause):
			}
		}
	}
}

// step handles one chunk. Panics are converted into errors so that a fault
// in a collaborator never ends the loop.
func (p *Pipeline) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic: %v", r)
		}
	}()

	chunk, ok := p.deps.Source.Chunk(ctx, p.chunkTimeout)
	if !ok {
		return nil
	}
	p.handleChunk(ctx, chunk)
	return nil
}

func (p *Pipeline) handleChunk(ctx context.Context, chunk audio.Chunk) {
	p.chunkCount++
	if p.chunkCount%defaultLevelLogInterval == 0 {
		slog.Debug("pipeline: audio level",
			"rms", audio.RMS(chunk.Samples),
			"peak", audio.Peak(chunk.Samples),
			"state", p.State(),
		)
	}

	switch p.State() {
	case Idle:
		p.handleIdle(ctx, chunk)
	case Listening:
		p.handleListening(ctx, chunk)
	}
}

func (p *Pipeline) handleIdle(ctx context.Context, chunk audio.Chunk) {
	det := p.deps.Wake.Process(ctx, chunk)
	if det == nil {
		p.deps.VAD.BufferAudio(chunk)
		return
	}

	slog.Info("pipeline: wake word detected", "model", det.Model, "score", det.Score)
	p.metrics.RecordWakeDetection(ctx, det.Model)
	p.deps.Events.EmitSync(events.WakeWordDetected, events.Payload{
		"model": det.Model,
		"score": det.Score,
	})

	p.buffer = p.buffer[:0]
	if pad, ok := p.deps.VAD.PaddingAudio(); ok {
		p.buffer = append(p.buffer, pad)
	}
	p.deps.VAD.Reset()
	p.setState(ctx, Listening)
	p.deps.Events.EmitSync(events.UtteranceStarted, events.Payload{})
}

func (p *Pipeline) handleListening(ctx context.Context, chunk audio.Chunk) {
	p.buffer = append(p.buffer, chunk)
	res := p.deps.VAD.Process(chunk)

	if res.EndOfSpeech {
		p.setState(ctx, Processing)
		utterance := audio.Concat(p.buffer)
		p.buffer = p.buffer[:0]
		slog.Debug("pipeline: end of speech", "speech_duration", res.SpeechDuration, "audio", utterance.Duration())

		p.transcribeAndEmit(ctx, utterance)

		p.deps.Wake.Reset()
		p.deps.VAD.Reset()
		p.setState(ctx, Idle)
		return
	}

	if len(p.buffer) > p.maxChunks {
		dur := audio.TotalDuration(p.buffer)
		n := len(p.buffer)
		slog.Warn("pipeline: utterance too long, abandoning", "chunks", n, "duration", dur)
		p.resetUtterance()
		p.setState(ctx, Idle)
		p.metrics.RecordUtterance(ctx, "abandoned")
		p.deps.Events.EmitSync(events.UtteranceAbandoned, events.Payload{
			"chunks":   n,
			"duration": dur.Seconds(),
		})
	}
}

func (p *Pipeline) resetUtterance() {
	p.buffer = p.buffer[:0]
	p.deps.VAD.Reset()
}

func (p *Pipeline) transcribeAndEmit(ctx context.Context, utterance audio.Chunk) {
	ctx, span := observe.StartSpan(ctx, observe.SpanTranscribe)
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.deps.STT.Transcribe(tctx, utterance)
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	dur := utterance.Duration()

	if err != nil {
		observe.Fail(span, err)
		observe.Logger(ctx).Error("pipeline: transcription failed", "err", err, "duration", dur)
		p.metrics.RecordUtterance(ctx, "error")
		p.deps.Events.EmitSync(events.TranscriptionError, events.Payload{
			"error":    err.Error(),
			"duration": dur.Seconds(),
		})
		return
	}
	if res.Text == "" {
		slog.Debug("pipeline: empty transcript discarded", "duration", dur)
		p.metrics.RecordUtterance(ctx, "empty")
		return
	}

	observe.Logger(ctx).Info("pipeline: utterance", "transcript", res.Text, "confidence", res.Confidence)
	p.metrics.RecordUtterance(ctx, "complete")
	p.deps.Events.EmitSync(events.UtteranceComplete, events.Payload{
		"transcript": res.Text,
		"confidence": res.Confidence,
		"duration":   dur.Seconds(),
	})
}

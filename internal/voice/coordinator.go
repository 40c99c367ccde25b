// Package voice connects the pieces of a spoken exchange. Transcripts from
// the audio pipeline arrive on the event bus, are classified by the intent
// router and answered by the executive function engine or the conversation
// manager; replies are spoken through the speaker.
//
// Event handlers only enqueue work. Utterances are answered one at a time on
// the coordinator's worker goroutine so that a long reply never holds up
// the bus, and a wake word can interrupt playback while a reply is being
// spoken.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/kiro/internal/events"
	"github.com/MrWong99/kiro/internal/intent"
	"github.com/MrWong99/kiro/internal/observe"
)

// Bus is the part of [events.Bus] the coordinator uses.
type Bus interface {
	events.Emitter
	Subscribe(pattern string, h events.Handler) events.SubscriptionID
	Unsubscribe(id events.SubscriptionID) bool
}

// Speaker plays replies. [speaker.Speaker] implements it.
type Speaker interface {
	SpeakBlocking(ctx context.Context, text string) bool
	CancelPlayback()
	IsPlaying() bool
}

// Capturer answers task, reminder and query utterances. [efe.Engine]
// implements it.
type Capturer interface {
	IsEFEIntent(text string) bool
	Process(ctx context.Context, text string) (reply string, handled bool, err error)
}

// Conversation answers everything else. [conversation.Manager] implements
// it.
type Conversation interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Process(ctx context.Context, in intent.Intent, extra string) string
}

// Control replies.
const (
	ReplyOkay    = "Okay."
	ReplyPausing = "Pausing."
)

const defaultQueueSize = 8

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithCapturer routes EFE utterances to c. Without one every non-control
// utterance goes to the conversation.
func WithCapturer(c Capturer) Option {
	return func(co *Coordinator) { co.efe = c }
}

// WithQueueSize sets how many transcripts may wait for an answer. Further
// transcripts are dropped.
func WithQueueSize(n int) Option {
	return func(co *Coordinator) { co.queueSize = n }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

type utterance struct {
	transcript string
	confidence float64
}

// Coordinator owns the intent router and drives the reply loop.
type Coordinator struct {
	bus     Bus
	speaker Speaker
	conv    Conversation
	efe     Capturer
	router  *intent.Router
	metrics *observe.Metrics

	queueSize int

	mu      sync.Mutex
	running bool
	subs    []events.SubscriptionID
	queue   chan utterance
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped coordinator.
func New(bus Bus, spk Speaker, conv Conversation, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:       bus,
		speaker:   spk,
		conv:      conv,
		router:    intent.NewRouter(),
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.queueSize <= 0 {
		c.queueSize = defaultQueueSize
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.router.SetDefaultHandler(c.handleRequest)
	c.router.RegisterHandler(intent.Control, c.handleControl)
	return c
}

// Router returns the coordinator's intent router so callers can register
// additional category handlers.
func (c *Coordinator) Router() *intent.Router { return c.router }

// Start starts the router and the conversation manager, subscribes to the
// audio events and launches the reply worker.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("voice: start router: %w", err)
	}
	if err := c.conv.Start(ctx); err != nil {
		_ = c.router.Stop(ctx)
		return fmt.Errorf("voice: start conversation: %w", err)
	}

	c.queue = make(chan utterance, c.queueSize)
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.work(wctx, c.queue, c.done)

	c.subs = []events.SubscriptionID{
		c.bus.Subscribe(events.UtteranceComplete, c.onUtterance),
		c.bus.Subscribe(events.WakeWordDetected, c.onWakeWord),
	}
	c.running = true
	slog.Info("voice: coordinator started")
	return nil
}

// Stop unsubscribes, cancels the reply in progress and stops the router and
// the conversation manager.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	c.speaker.CancelPlayback()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("voice: reply worker did not stop in time", "err", ctx.Err())
	}

	var errs []error
	if err := c.conv.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("voice: stop conversation: %w", err))
	}
	if err := c.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("voice: stop router: %w", err))
	}
	slog.Info("voice: coordinator stopped")
	return errors.Join(errs...)
}

// ── Event handlers ──

func (c *Coordinator) onWakeWord(_ context.Context, _ events.Event) error {
	if c.speaker.IsPlaying() {
		slog.Debug("voice: interrupting playback for wake word")
		c.speaker.CancelPlayback()
	}
	return nil
}

func (c *Coordinator) onUtterance(_ context.Context, ev events.Event) error {
	text, _ := ev.Payload["transcript"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Debug("voice: empty transcript ignored")
		return nil
	}
	conf, _ := ev.Payload["confidence"].(float64)

	c.mu.Lock()
	queue, running := c.queue, c.running
	c.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case queue <- utterance{transcript: text, confidence: conf}:
	default:
		slog.Warn("voice: reply queue full, dropping utterance", "transcript", truncate(text, 80))
	}
	return nil
}

func (c *Coordinator) work(ctx context.Context, queue <-chan utterance, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-queue:
			c.Handle(ctx, u.transcript, u.confidence)
		}
	}
}

// Handle answers one transcript synchronously: classify, emit
// intent.classified, route, and speak the reply. It returns the reply,
// which is empty when nothing was said.
func (c *Coordinator) Handle(ctx context.Context, transcript string, confidence float64) string {
	ctx, span := observe.StartSpan(ctx, observe.SpanVoiceHandle)
	defer span.End()

	observe.Logger(ctx).Info("voice: processing utterance", "transcript", truncate(transcript, 80))

	in := c.router.Classify(transcript, confidence)
	c.bus.Emit(ctx, events.IntentClassified, events.Payload{
		"category":   string(in.Category),
		"confidence": in.Confidence,
		"transcript": transcript,
	})

	reply := c.router.Route(ctx, in)
	if reply != "" {
		c.Speak(ctx, reply)
	}
	return reply
}

// Speak says text and brackets the playback with tts.started and
// tts.completed events. It reports whether playback completed.
func (c *Coordinator) Speak(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	slog.Debug("voice: speaking reply", "chars", len(text))
	c.bus.Emit(ctx, events.TTSStarted, events.Payload{"text": truncate(text, 100)})
	ok := c.speaker.SpeakBlocking(ctx, text)
	c.bus.Emit(ctx, events.TTSCompleted, events.Payload{"success": ok})
	return ok
}

// SpeakReminder adapts [Coordinator.Speak] to the reminder callback
// signature of the executive function engine.
func (c *Coordinator) SpeakReminder(ctx context.Context, text string) error {
	if !c.Speak(ctx, text) {
		return fmt.Errorf("voice: reminder playback did not complete")
	}
	return nil
}

// ── Intent handlers ──

// handleRequest tries the executive function engine first and falls back
// to the conversation manager.
func (c *Coordinator) handleRequest(ctx context.Context, in intent.Intent) (string, error) {
	if c.efe != nil && c.efe.IsEFEIntent(in.Transcript) {
		reply, handled, err := c.efe.Process(ctx, in.Transcript)
		if err != nil {
			return "", fmt.Errorf("voice: efe: %w", err)
		}
		if handled {
			return reply, nil
		}
	}
	return c.conv.Process(ctx, in, ""), nil
}

func (c *Coordinator) handleControl(_ context.Context, in intent.Intent) (string, error) {
	switch in.Entities["action"] {
	case "stop":
		if c.speaker.IsPlaying() {
			c.speaker.CancelPlayback()
			return "", nil
		}
		return ReplyOkay, nil
	case "pause":
		return ReplyPausing, nil
	default:
		return ReplyOkay, nil
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

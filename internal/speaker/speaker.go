// Package speaker turns reply text into audible speech.
//
// A Speaker owns at most one playback at a time. Speak synthesises the text,
// cancels whatever is currently playing and starts the new audio in the
// background; SpeakBlocking additionally waits for playback to finish.
package speaker

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

// Player renders a chunk on an output device, returning when playback ends
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, c audio.Chunk) error
}

// Hooks are invoked around playback. Either may be nil.
type Hooks struct {
	// OnStart runs after synthesis succeeded, just before playback begins.
	OnStart func(text string, d time.Duration)
	// OnComplete runs when playback finished without interruption.
	OnComplete func(text string)
}

// Option is a functional option for [Speaker].
type Option func(*Speaker)

// WithHooks installs playback hooks.
func WithHooks(h Hooks) Option {
	return func(s *Speaker) { s.hooks = h }
}

// pronunciations maps words the synthesiser gets wrong to phonetic spellings.
var pronunciations = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bkiro\b`), "Keero"},
}

// Preprocess applies pronunciation substitutions. "Kiro's" becomes "Keero's".
func Preprocess(text string) string {
	for _, p := range pronunciations {
		text = p.re.ReplaceAllString(text, p.with)
	}
	return text
}

// Speaker synthesises and plays replies.
type Speaker struct {
	synth  tts.Provider
	player Player
	hooks  Hooks

	mu      sync.Mutex
	running bool
	base    context.Context
	stop    context.CancelFunc
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped Speaker.
func New(synth tts.Provider, player Player, opts ...Option) *Speaker {
	s := &Speaker{synth: synth, player: player}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start enables speaking. Calling Start on a running Speaker is a no-op.
func (s *Speaker) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.base, s.stop = context.WithCancel(context.Background())
	s.running = true
	slog.Info("speaker started")
	return nil
}

// Stop cancels any playback and disables speaking.
func (s *Speaker) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stop()
	s.mu.Unlock()
	s.CancelPlayback()
	slog.Info("speaker stopped")
	return nil
}

// Running reports whether the Speaker accepts text.
func (s *Speaker) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Speak synthesises text and starts playing it, interrupting any current
// playback. It returns true once playback has started.
func (s *Speaker) Speak(ctx context.Context, text string) bool {
	_, ok := s.speak(ctx, text)
	return ok
}

// SpeakBlocking is Speak followed by waiting for playback to finish. It
// returns true only if playback completed; cancelling ctx stops playback.
func (s *Speaker) SpeakBlocking(ctx context.Context, text string) bool {
	done, ok := s.speak(ctx, text)
	if !ok {
		return false
	}
	select {
	case completed := <-done:
		return completed
	case <-ctx.Done():
		s.CancelPlayback()
		return false
	}
}

// speak returns a channel that receives true if playback completes and false
// if it was interrupted or failed.
func (s *Speaker) speak(ctx context.Context, text string) (<-chan bool, bool) {
	s.mu.Lock()
	running, base := s.running, s.base
	s.mu.Unlock()
	if !running {
		slog.Warn("speaker: not running, dropping text")
		return nil, false
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	text = Preprocess(text)

	s.CancelPlayback()

	start := time.Now()
	chunk, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		slog.Error("speaker: synthesis failed", "err", err)
		return nil, false
	}
	slog.Debug("speaker: synthesised", "chars", len(text), "audio", chunk.Duration(), "latency", time.Since(start))

	playCtx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	result := make(chan bool, 1)

	s.mu.Lock()
	// A concurrent Speak may have started in the meantime; it loses.
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.done
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(text, chunk.Duration())
	}

	go func() {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		err := s.player.Play(playCtx, chunk)
		completed := err == nil && playCtx.Err() == nil
		switch {
		case completed:
			slog.Debug("speaker: playback complete")
			if s.hooks.OnComplete != nil {
				s.hooks.OnComplete(text)
			}
		case playCtx.Err() != nil:
			slog.Debug("speaker: playback cancelled")
		default:
			slog.Error("speaker: playback failed", "err", err)
		}
		result <- completed
	}()
	return result, true
}

// CancelPlayback stops the current playback, if any, and waits for it to
// wind down.
func (s *Speaker) CancelPlayback() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("speaker: playback cancelled by request")
}

// IsPlaying reports whether audio is currently playing.
func (s *Speaker) IsPlaying() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

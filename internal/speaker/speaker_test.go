package speaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kiro/internal/speaker"
	"github.com/MrWong99/kiro/pkg/audio"
	ttsmock "github.com/MrWong99/kiro/pkg/provider/tts/mock"
)

// fakePlayer blocks each Play until release is closed or ctx ends.
type fakePlayer struct {
	mu      sync.Mutex
	played  int
	release chan struct{}
	started chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{release: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (p *fakePlayer) Play(ctx context.Context, _ audio.Chunk) error {
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	p.started <- struct{}{}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

func waitStarted(t *testing.T, p *fakePlayer) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
}

func TestPreprocess(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"Hi, I'm Kiro.", "Hi, I'm Keero."},
		{"kiro's list", "Keero's list"},
		{"Kirov stays", "Kirov stays"},
	}
	for _, tt := range tests {
		if got := speaker.Preprocess(tt.in); got != tt.want {
			t.Errorf("Preprocess(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSpeak_NotRunning(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Provider{}
	s := speaker.New(synth, newFakePlayer())
	if s.Speak(context.Background(), "hello") {
		t.Error("Speak on a stopped speaker should return false")
	}
	if len(synth.Texts()) != 0 {
		t.Error("stopped speaker should not synthesise")
	}
}

func TestSpeak_EmptyAndSynthesisError(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Provider{}
	s := speaker.New(synth, newFakePlayer())
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	if s.Speak(context.Background(), "   ") {
		t.Error("blank text should not be spoken")
	}
	synth.Err = errors.New("engine down")
	if s.Speak(context.Background(), "hello") {
		t.Error("synthesis failure should return false")
	}
}

func TestSpeakBlocking_Completes(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Provider{}
	player := newFakePlayer()
	var mu sync.Mutex
	var started, completed []string
	s := speaker.New(synth, player, speaker.WithHooks(speaker.Hooks{
		OnStart: func(text string, _ time.Duration) {
			mu.Lock()
			started = append(started, text)
			mu.Unlock()
		},
		OnComplete: func(text string) {
			mu.Lock()
			completed = append(completed, text)
			mu.Unlock()
		},
	}))
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	result := make(chan bool, 1)
	go func() { result <- s.SpeakBlocking(context.Background(), "I'm Kiro") }()
	waitStarted(t, player)
	if !s.IsPlaying() {
		t.Error("IsPlaying = false during playback")
	}
	close(player.release)

	if !<-result {
		t.Fatal("SpeakBlocking = false, want true")
	}
	if s.IsPlaying() {
		t.Error("IsPlaying = true after playback")
	}
	if texts := synth.Texts(); len(texts) != 1 || texts[0] != "I'm Keero" {
		t.Errorf("synthesised %q, want [\"I'm Keero\"]", texts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || len(completed) != 1 {
		t.Errorf("hooks: started=%v completed=%v", started, completed)
	}
}

func TestSpeak_InterruptsCurrentPlayback(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	s := speaker.New(&ttsmock.Provider{}, player)
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	result := make(chan bool, 1)
	go func() { result <- s.SpeakBlocking(context.Background(), "first") }()
	waitStarted(t, player)

	if !s.Speak(context.Background(), "second") {
		t.Fatal("second Speak failed")
	}
	if <-result {
		t.Error("interrupted playback reported completion")
	}
	waitStarted(t, player)
	if player.count() != 2 {
		t.Errorf("played %d times, want 2", player.count())
	}
}

func TestCancelPlayback(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	s := speaker.New(&ttsmock.Provider{}, player)
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Speak(context.Background(), "a long answer") {
		t.Fatal("Speak failed")
	}
	waitStarted(t, player)
	s.CancelPlayback()
	if s.IsPlaying() {
		t.Error("IsPlaying = true after CancelPlayback")
	}
	// Cancelling with nothing playing is a no-op.
	s.CancelPlayback()
}

func TestSpeakBlocking_ContextCancelled(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	s := speaker.New(&ttsmock.Provider{}, player)
	_ = s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() { result <- s.SpeakBlocking(ctx, "hello") }()
	waitStarted(t, player)
	cancel()
	if <-result {
		t.Error("SpeakBlocking = true after cancellation")
	}
	if s.IsPlaying() {
		t.Error("playback still running after cancellation")
	}
}

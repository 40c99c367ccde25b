package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
	ttsmock "github.com/MrWong99/kiro/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Chunk: audio.Chunk{Samples: []float32{0.1}, SampleRate: 22050}}
	secondary := &ttsmock.Provider{}

	fb := NewTTSFallback(primary, "piper", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	chunk, err := fb.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.SampleRate != 22050 {
		t.Fatalf("SampleRate = %d, want 22050 from primary", chunk.SampleRate)
	}
	if len(secondary.Texts()) != 0 {
		t.Fatal("secondary should not be called")
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("piper not found")}
	secondary := &ttsmock.Provider{Chunk: audio.Chunk{Samples: []float32{0.1}, SampleRate: 24000}}

	fb := NewTTSFallback(primary, "piper", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	chunk, err := fb.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.SampleRate != 24000 {
		t.Fatalf("SampleRate = %d, want 24000 from fallback", chunk.SampleRate)
	}
}

func TestTTSFallback_Synthesize_EmptyText(t *testing.T) {
	primary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "piper", FallbackConfig{})

	if _, err := fb.Synthesize(context.Background(), "  "); !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if len(primary.Texts()) != 0 {
		t.Fatal("empty text should not reach a backend")
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	sttmock "github.com/MrWong99/kiro/pkg/provider/stt/mock"
)

var oneSecond = audio.Chunk{Samples: make([]float32, 16000), SampleRate: 16000}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Result: stt.Result{Text: "add milk to my list", Confidence: 0.9}}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "wrong"}}

	fb := NewSTTFallback(primary, "whisper-native", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	res, err := fb.Transcribe(context.Background(), oneSecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "add milk to my list" {
		t.Fatalf("text = %q", res.Text)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("server unreachable")}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "what's on my list"}}

	fb := NewSTTFallback(primary, "whisper", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	res, err := fb.Transcribe(context.Background(), oneSecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "what's on my list" {
		t.Fatalf("text = %q", res.Text)
	}
	if got := secondary.Calls[0].Utterance; len(got.Samples) != 16000 {
		t.Fatalf("fallback received %d samples, want 16000", len(got.Samples))
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{Err: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &sttmock.Provider{Err: errors.New("b")})

	if _, err := fb.Transcribe(context.Background(), oneSecond); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

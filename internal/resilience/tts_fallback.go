package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backends in the order they are tried.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// Synthesize renders text with the first healthy backend. Empty text is
// rejected up front so it never counts against a breaker.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (audio.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Chunk{}, tts.ErrEmptyText
	}
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (audio.Chunk, error) {
		return p.Synthesize(ctx, text)
	})
}

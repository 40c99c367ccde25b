// Package tts defines the Provider interface for text-to-speech backends.
//
// A Provider turns one short reply into mono PCM audio. The assistant speaks
// whole responses (one or two sentences), so synthesis is batch: the caller
// hands over the full text and receives one chunk back.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/kiro/pkg/audio"
)

// ErrEmptyText is returned by Synthesize when text contains nothing to say.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as mono float32 PCM. The returned chunk carries
	// the backend's native sample rate; callers resample as needed.
	Synthesize(ctx context.Context, text string) (audio.Chunk, error)
}

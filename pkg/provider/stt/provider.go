// Package stt defines the Provider interface for speech-to-text backends.
//
// A Provider turns one bounded utterance into text. The voice pipeline calls
// it once per utterance after voice activity detection has found the end of
// speech, so implementations are batch (request/response) rather than
// streaming.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
)

// Result is the outcome of a transcription.
type Result struct {
	// Text is the recognised transcript with surrounding whitespace trimmed.
	// Empty when no speech was recognised.
	Text string

	// Confidence in [0, 1]. Backends that do not report confidence return 1
	// for non-empty text.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration

	// Language is the detected or configured language code, if known.
	Language string
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe recognises speech in utterance. An error is returned only for
	// failures (network, model); silence yields an empty Result.Text and a nil
	// error.
	Transcribe(ctx context.Context, utterance audio.Chunk) (Result, error)
}

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
)

// whisperSampleRate is the only input rate whisper.cpp accepts.
const whisperSampleRate = 16000

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeOption is a functional option for [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code. Default: "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NativeProvider runs whisper.cpp in-process. The model is loaded once by
// [NewNative]; each transcription creates a fresh inference context.
// Inference is serialised because a whisper.cpp model shares GPU/CPU buffers
// between contexts.
type NativeProvider struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
}

// NewNative loads the ggml model at modelPath.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe implements stt.Provider.
func (p *NativeProvider) Transcribe(ctx context.Context, utterance audio.Chunk) (stt.Result, error) {
	res := stt.Result{Duration: utterance.Duration(), Language: p.language}
	if utterance.Empty() {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("whisper: %w", err)
	}
	samples := audio.Resample(utterance.Samples, utterance.SampleRate, whisperSampleRate)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return res, errors.New("whisper: model is closed")
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return res, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return res, fmt.Errorf("whisper: process: %w", err)
	}

	var (
		parts   []string
		probSum float64
		tokens  int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			tokens++
		}
	}

	res.Text = strings.Join(parts, " ")
	if res.Text != "" {
		res.Confidence = 1
		if tokens > 0 {
			res.Confidence = probSum / float64(tokens)
		}
	}
	return res, nil
}

// Package piper provides a TTS provider that runs the local piper binary.
//
// piper reads text on stdin and, with --output-raw, writes 16-bit
// little-endian mono PCM on stdout at the voice model's sample rate (22050 Hz
// for the common "medium" voices).
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultBinary     = "piper"
	defaultSampleRate = 22050
)

// Option is a functional option for [Provider].
type Option func(*Provider)

// WithBinary sets the piper executable. Default: "piper" on $PATH.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithSampleRate declares the voice model's output rate. Default: 22050.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSpeaker selects a speaker id for multi-speaker models.
func WithSpeaker(id int) Option {
	return func(p *Provider) { p.speaker = &id }
}

// WithLengthScale sets piper's --length_scale. Values above 1 slow speech.
func WithLengthScale(scale float64) Option {
	return func(p *Provider) { p.lengthScale = scale }
}

// Provider synthesises speech with a piper subprocess per request.
type Provider struct {
	binary      string
	model       string
	sampleRate  int
	speaker     *int
	lengthScale float64
}

// New returns a Provider using the .onnx voice model at modelPath.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("piper: modelPath must not be empty")
	}
	p := &Provider{
		binary:     defaultBinary,
		model:      modelPath,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("piper: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

// Args returns the command-line arguments passed to piper.
func (p *Provider) Args() []string {
	args := []string{"--model", p.model, "--output-raw"}
	if p.speaker != nil {
		args = append(args, "--speaker", fmt.Sprint(*p.speaker))
	}
	if p.lengthScale > 0 {
		args = append(args, "--length_scale", fmt.Sprint(p.lengthScale))
	}
	return args
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Chunk{}, tts.ErrEmptyText
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.binary, p.Args()...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return audio.Chunk{}, ctx.Err()
		}
		return audio.Chunk{}, fmt.Errorf("piper: run %s: %w: %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}

	raw := stdout.Bytes()
	if len(raw) < 2 {
		return audio.Chunk{}, errors.New("piper: no audio produced")
	}
	chunk := audio.Chunk{
		Samples:    audio.PCM16ToFloat32(raw),
		SampleRate: p.sampleRate,
		Timestamp:  time.Now(),
	}
	slog.Debug("piper: synthesised", "chars", len(text), "audio", chunk.Duration(), "took", time.Since(start))
	return chunk, nil
}

// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested as raw PCM, which the API returns as 24 kHz 16-bit
// little-endian mono.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SampleRate is the rate of PCM returned by the speech endpoint.
const SampleRate = 24000

// Option is a functional option for [Provider].
type Option func(*config)

type config struct {
	baseURL string
	model   string
	voice   string
	speed   float64
	timeout time.Duration
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model. Default: "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the voice. Default: "alloy".
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithSpeed sets the speaking rate in [0.25, 4].
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider synthesises speech with the OpenAI API.
type Provider struct {
	client oai.Client
	cfg    config
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := config{model: string(oai.SpeechModelTTS1), voice: "alloy"}
	for _, o := range opts {
		o(&cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Chunk{}, tts.ErrEmptyText
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.cfg.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.cfg.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.cfg.speed > 0 {
		params.Speed = oai.Float(p.cfg.speed)
	}
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return audio.Chunk{
		Samples:    audio.PCM16ToFloat32(raw),
		SampleRate: SampleRate,
		Timestamp:  time.Now(),
	}, nil
}

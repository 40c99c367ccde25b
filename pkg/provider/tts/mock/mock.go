// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunk: audio.Chunk{Samples: make([]float32, 1600), SampleRate: 16000},
//	}
//	chunk, _ := p.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunk is returned by Synthesize. A zero SampleRate defaults to 16000
	// and a nil Samples slice to 100 ms of silence.
	Chunk audio.Chunk

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Chunk, Err.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text})
	if p.Err != nil {
		return audio.Chunk{}, p.Err
	}
	if err := ctx.Err(); err != nil {
		return audio.Chunk{}, err
	}
	c := p.Chunk
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Samples == nil {
		c.Samples = make([]float32, c.SampleRate/10)
	}
	return c, nil
}

// Texts returns the text of every Synthesize call. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

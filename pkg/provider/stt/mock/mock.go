// Package mock provides a test double for [stt.Provider].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
)

// TranscribeCall records a single Transcribe invocation.
type TranscribeCall struct {
	Utterance audio.Chunk
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe. Duration is filled from the utterance
	// when left zero.
	Result stt.Result

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until it is closed or ctx is
	// done.
	Block chan struct{}

	// Calls records every Transcribe invocation in order.
	Calls []TranscribeCall
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, utterance audio.Chunk) (stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Utterance: utterance})
	block := p.Block
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if res.Duration == 0 {
		res.Duration = utterance.Duration()
	}
	return res, err
}

// CallCount returns the number of Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Set replaces the result and error returned by subsequent calls.
func (p *Provider) Set(res stt.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Result, p.Err = res, err
}

var _ stt.Provider = (*Provider)(nil)

// Package mock provides test doubles for the vad package.
//
// Classifier returns scripted per-frame decisions and records every frame it
// was asked to classify:
//
//	cls := &mock.Classifier{Speech: true}
//	det, _ := vad.New(vad.DefaultConfig(), vad.WithClassifier(cls))
package mock

import (
	"sync"

	"github.com/MrWong99/kiro/pkg/provider/vad"
)

// Classifier is a mock implementation of [vad.Classifier].
type Classifier struct {
	mu sync.Mutex

	// Speech is returned for every frame unless Func is set.
	Speech bool

	// Err, if non-nil, is returned for every frame unless Func is set.
	Err error

	// Func, if set, decides each frame. It receives the zero-based frame index
	// across all calls.
	Func func(index int, frame []float32) (bool, error)

	// FrameSizes records the length of every classified frame in order.
	FrameSizes []int
}

// IsSpeech implements [vad.Classifier].
func (c *Classifier) IsSpeech(frame []float32, _ int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.FrameSizes)
	c.FrameSizes = append(c.FrameSizes, len(frame))
	if c.Func != nil {
		return c.Func(idx, frame)
	}
	return c.Speech, c.Err
}

// SetSpeech switches the decision returned for subsequent frames.
func (c *Classifier) SetSpeech(speech bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Speech = speech
}

// Calls returns the number of classified frames.
func (c *Classifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.FrameSizes)
}

var _ vad.Classifier = (*Classifier)(nil)

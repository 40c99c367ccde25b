// Package wakeword detects a trigger phrase in streaming audio.
//
// A [Detector] wraps a [Model] that scores audio against one or more named
// wake-word sub-models. The first sub-model scoring at or above the threshold
// produces a [Detection]. After a detection the detector stays silent for the
// refractory period so a drawn-out wake phrase does not trigger twice.
//
// The model is loaded by the caller and injected; the detector never reloads
// it. [Detector.Reset] only clears the model's streaming state.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
)

// Score is the confidence of one named sub-model for a chunk of audio.
type Score struct {
	Model string
	Score float64
}

// Model scores audio against the wake phrase(s). Predict is called once per
// chunk, in arrival order, from a single goroutine. The returned slice order
// defines which sub-model wins when several cross the threshold.
type Model interface {
	Predict(ctx context.Context, samples []float32) ([]Score, error)

	// Reset clears streaming state (rolling windows, feature buffers)
	// without unloading the model.
	Reset()
}

// Detection describes a wake-word trigger.
type Detection struct {
	Model     string
	Score     float64
	Timestamp time.Time
}

const (
	defaultThreshold  = 0.5
	defaultRefractory = 2 * time.Second
)

// Option configures a [Detector].
type Option func(*Detector)

// WithThreshold sets the minimum score that counts as a detection. Default: 0.5.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// WithRefractory sets the minimum time between two detections. Default: 2s.
func WithRefractory(period time.Duration) Option {
	return func(d *Detector) { d.refractory = period }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector applies a threshold and a refractory period to a [Model].
// It is owned by a single goroutine and not safe for concurrent use.
type Detector struct {
	model      Model
	threshold  float64
	refractory time.Duration
	now        func() time.Time

	running       bool
	lastDetection time.Time
}

// New returns a Detector for model.
func New(model Model, opts ...Option) (*Detector, error) {
	if model == nil {
		return nil, errors.New("wakeword: model must not be nil")
	}
	d := &Detector{
		model:      model,
		threshold:  defaultThreshold,
		refractory: defaultRefractory,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.threshold < 0 || d.threshold > 1 {
		return nil, fmt.Errorf("wakeword: threshold %.2f out of range [0, 1]", d.threshold)
	}
	if d.refractory < 0 {
		return nil, fmt.Errorf("wakeword: refractory period %v must not be negative", d.refractory)
	}
	return d, nil
}

// Start enables detection.
func (d *Detector) Start(_ context.Context) error {
	d.running = true
	slog.Debug("wake word detector started", "threshold", d.threshold, "refractory", d.refractory)
	return nil
}

// Stop disables detection.
func (d *Detector) Stop(_ context.Context) error {
	d.running = false
	return nil
}

// Process scores chunk and returns a detection, or nil. Inside the refractory
// window nil is returned without running the model. Model errors are logged
// and reported as no detection.
func (d *Detector) Process(ctx context.Context, chunk audio.Chunk) *Detection {
	if !d.running {
		return nil
	}
	now := d.now()
	if now.Sub(d.lastDetection) < d.refractory {
		return nil
	}

	scores, err := d.model.Predict(ctx, chunk.Samples)
	if err != nil {
		slog.Debug("wake word inference failed", "err", err)
		return nil
	}
	for _, s := range scores {
		if s.Score >= d.threshold {
			d.lastDetection = now
			slog.Info("wake word detected", "model", s.Model, "score", s.Score)
			return &Detection{Model: s.Model, Score: s.Score, Timestamp: now}
		}
	}
	return nil
}

// Reset clears the model's streaming state. The refractory timer is kept.
func (d *Detector) Reset() {
	d.model.Reset()
}

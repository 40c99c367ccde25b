// Package vad implements voice activity detection over fixed-size audio
// frames.
//
// A [Detector] splits each incoming [audio.Chunk] into frames of
// [Config.FrameDuration], classifies every frame with a [Classifier] and
// aggregates the results: the chunk counts as speech when any frame is speech.
// On top of the per-chunk decision it runs a small state machine with a
// debounced onset ([Config.MinSpeech] of continuous speech before reporting
// "speaking") and a silence timeout ([Config.MaxSilence]) that ends the
// utterance.
//
// A Detector also keeps a short ring buffer of recent chunks so callers can
// recover the audio that preceded a trigger (see [Detector.PaddingAudio]).
//
// A Detector is owned by a single goroutine; it is not safe for concurrent use.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
)

// ErrConfiguration is wrapped by every error returned from [New] for an
// invalid [Config].
var ErrConfiguration = errors.New("vad: invalid configuration")

// Classifier decides whether a single frame contains speech. Implementations
// may return an error for malformed input; the [Detector] treats such frames
// as non-speech.
type Classifier interface {
	IsSpeech(frame []float32, sampleRate int) (bool, error)
}

// Config holds detector parameters.
type Config struct {
	// SampleRate must be one of 8000, 16000, 32000 or 48000.
	SampleRate int

	// FrameDuration must be 10, 20 or 30 ms.
	FrameDuration time.Duration

	// Aggressiveness in [0, 3]; higher values filter non-speech more strictly.
	// Only consulted when the default [EnergyClassifier] is used.
	Aggressiveness int

	// MinSpeech is the continuous speech required before speaking is reported.
	MinSpeech time.Duration

	// MaxSilence is the silence after speech that ends an utterance.
	MaxSilence time.Duration

	// Padding is the pre-trigger audio retained in the ring buffer.
	Padding time.Duration
}

// DefaultConfig returns the default detector parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		FrameDuration:  30 * time.Millisecond,
		Aggressiveness: 2,
		MinSpeech:      250 * time.Millisecond,
		MaxSilence:     800 * time.Millisecond,
		Padding:        300 * time.Millisecond,
	}
}

// Validate reports every invalid field, each wrapping [ErrConfiguration].
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]int{8000, 16000, 32000, 48000}, c.SampleRate) {
		errs = append(errs, fmt.Errorf("%w: sample rate %d not in {8000, 16000, 32000, 48000}", ErrConfiguration, c.SampleRate))
	}
	if !slices.Contains([]time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, c.FrameDuration) {
		errs = append(errs, fmt.Errorf("%w: frame duration %v not in {10ms, 20ms, 30ms}", ErrConfiguration, c.FrameDuration))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("%w: aggressiveness %d not in [0, 3]", ErrConfiguration, c.Aggressiveness))
	}
	if c.MinSpeech < 0 || c.MaxSilence < 0 || c.Padding < 0 {
		errs = append(errs, fmt.Errorf("%w: durations must not be negative", ErrConfiguration))
	}
	return errors.Join(errs...)
}

// Result is the outcome of [Detector.Process] for one chunk.
type Result struct {
	// IsSpeech is true when any frame of the chunk was classified as speech.
	IsSpeech bool

	// IsSpeaking is true while a debounced utterance is in progress.
	IsSpeaking bool

	// EndOfSpeech is true exactly once per utterance, on the chunk where the
	// silence timeout elapsed.
	EndOfSpeech bool

	// SpeechDuration is set together with EndOfSpeech: the time from speech
	// onset to the end decision.
	SpeechDuration time.Duration
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClassifier replaces the default [EnergyClassifier].
func WithClassifier(c Classifier) Option {
	return func(d *Detector) { d.classifier = c }
}

// WithClock overrides the time source. Useful in tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

type bufferedChunk struct {
	chunk    audio.Chunk
	isSpeech bool
}

// Detector is a frame-based voice activity detector with debounced onset and
// silence-timeout end detection.
type Detector struct {
	cfg        Config
	classifier Classifier
	now        func() time.Time
	frameSize  int
	ringCap    int

	running     bool
	speaking    bool
	speechStart time.Time
	lastSpeech  time.Time
	ring        []bufferedChunk
}

// New validates cfg and returns a Detector. The returned error wraps
// [ErrConfiguration] when cfg is invalid.
func New(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:       cfg,
		now:       time.Now,
		frameSize: int(int64(cfg.SampleRate) * cfg.FrameDuration.Milliseconds() / 1000),
		ringCap:   int(cfg.Padding / cfg.FrameDuration),
	}
	for _, o := range opts {
		o(d)
	}
	if d.classifier == nil {
		d.classifier = NewEnergyClassifier(cfg.Aggressiveness)
	}
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// FrameSize returns the number of samples per classified frame.
func (d *Detector) FrameSize() int { return d.frameSize }

// Start enables processing. Until Start is called, [Detector.Process] returns
// a zero [Result].
func (d *Detector) Start(_ context.Context) error {
	d.running = true
	slog.Debug("vad started",
		"sample_rate", d.cfg.SampleRate,
		"frame_ms", d.cfg.FrameDuration.Milliseconds(),
		"min_speech", d.cfg.MinSpeech,
		"max_silence", d.cfg.MaxSilence,
	)
	return nil
}

// Stop disables processing and clears all state.
func (d *Detector) Stop(_ context.Context) error {
	d.running = false
	d.Reset()
	return nil
}

// Process classifies chunk and advances the speech state machine.
func (d *Detector) Process(chunk audio.Chunk) Result {
	if !d.running {
		return Result{}
	}

	isSpeech := d.classify(chunk.Samples)
	d.pushRing(bufferedChunk{chunk: chunk, isSpeech: isSpeech})

	now := d.now()
	res := Result{IsSpeech: isSpeech}

	if isSpeech {
		d.lastSpeech = now
		if !d.speaking {
			if d.speechStart.IsZero() {
				d.speechStart = now
			} else if now.Sub(d.speechStart) >= d.cfg.MinSpeech {
				d.speaking = true
				slog.Debug("vad speech started", "onset", now.Sub(d.speechStart))
			}
		}
	} else {
		if d.speaking {
			if now.Sub(d.lastSpeech) >= d.cfg.MaxSilence {
				res.EndOfSpeech = true
				res.SpeechDuration = now.Sub(d.speechStart)
				slog.Debug("vad speech ended", "duration", res.SpeechDuration)
				d.Reset()
			}
		} else {
			d.speechStart = time.Time{}
		}
	}

	res.IsSpeaking = d.speaking
	return res
}

// classify OR-aggregates per-frame decisions. Trailing samples that do not
// fill a whole frame are ignored.
func (d *Detector) classify(samples []float32) bool {
	speech := false
	for i := 0; i+d.frameSize <= len(samples); i += d.frameSize {
		ok, err := d.classifier.IsSpeech(samples[i:i+d.frameSize], d.cfg.SampleRate)
		if err != nil {
			slog.Debug("vad frame classification failed", "err", err)
			continue
		}
		if ok {
			speech = true
		}
	}
	return speech
}

// BufferAudio appends chunk to the padding ring buffer without classifying it.
func (d *Detector) BufferAudio(chunk audio.Chunk) {
	d.pushRing(bufferedChunk{chunk: chunk})
}

func (d *Detector) pushRing(b bufferedChunk) {
	if d.ringCap <= 0 {
		return
	}
	if len(d.ring) == d.ringCap {
		copy(d.ring, d.ring[1:])
		d.ring = d.ring[:len(d.ring)-1]
	}
	d.ring = append(d.ring, b)
}

// PaddingAudio returns the ring buffer contents concatenated in arrival
// order, or false when the buffer is empty.
func (d *Detector) PaddingAudio() (audio.Chunk, bool) {
	if len(d.ring) == 0 {
		return audio.Chunk{}, false
	}
	chunks := make([]audio.Chunk, len(d.ring))
	for i, b := range d.ring {
		chunks[i] = b.chunk
	}
	return audio.Concat(chunks), true
}

// IsSpeaking reports whether a debounced utterance is in progress.
func (d *Detector) IsSpeaking() bool { return d.speaking }

// Reset clears the speech state and the ring buffer.
func (d *Detector) Reset() {
	d.speaking = false
	d.speechStart = time.Time{}
	d.lastSpeech = time.Time{}
	d.ring = d.ring[:0]
}

// Package phrase implements a [wakeword.Model] that spots a spoken phrase by
// transcribing a short rolling window of audio and comparing the transcript
// with the phrase phonetically.
//
// The comparison follows two stages. Every window of consecutive transcript
// words with the same length as the phrase is scored with Jaro-Winkler
// similarity. A window whose Double Metaphone codes match the phrase's codes
// word for word scores at least the phonetic floor, which catches
// transcriptions such as "hey kero" for "hey kiro".
//
// Transcription runs only every stride chunks and only when the window holds
// enough energy, so the speech recogniser is not called on silence.
package phrase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	"github.com/MrWong99/kiro/pkg/provider/wakeword"
)

const (
	defaultWindowChunks  = 15
	defaultStride        = 5
	defaultEnergyFloor   = 0.01
	defaultPhoneticFloor = 0.9
)

// Option is a functional option for [Model].
type Option func(*Model)

// WithName sets the sub-model name reported in scores. Default: the phrase
// with spaces replaced by underscores.
func WithName(name string) Option {
	return func(m *Model) { m.name = name }
}

// WithWindow sets how many chunks the rolling window holds. Default: 15.
func WithWindow(chunks int) Option {
	return func(m *Model) { m.windowChunks = chunks }
}

// WithStride sets how many chunks arrive between transcriptions. Default: 5.
func WithStride(chunks int) Option {
	return func(m *Model) { m.stride = chunks }
}

// WithEnergyFloor sets the window RMS below which transcription is skipped.
// Default: 0.01.
func WithEnergyFloor(rms float64) Option {
	return func(m *Model) { m.energyFloor = rms }
}

// Model spots a phrase with a speech recogniser.
type Model struct {
	transcriber  stt.Provider
	sampleRate   int
	phrase       []string
	codes        [][2]string
	name         string
	windowChunks int
	stride       int
	energyFloor  float64

	window [][]float32
	since  int
}

// Compile-time assertion that Model satisfies wakeword.Model.
var _ wakeword.Model = (*Model)(nil)

// New returns a Model spotting phrase in audio sampled at sampleRate.
func New(transcriber stt.Provider, phrase string, sampleRate int, opts ...Option) (*Model, error) {
	if transcriber == nil {
		return nil, errors.New("phrase: transcriber must not be nil")
	}
	words := normalize(phrase)
	if len(words) == 0 {
		return nil, fmt.Errorf("phrase: wake phrase %q has no words", phrase)
	}
	m := &Model{
		transcriber:  transcriber,
		sampleRate:   sampleRate,
		phrase:       words,
		name:         strings.Join(words, "_"),
		windowChunks: defaultWindowChunks,
		stride:       defaultStride,
		energyFloor:  defaultEnergyFloor,
	}
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		m.codes = append(m.codes, [2]string{p, s})
	}
	for _, o := range opts {
		o(m)
	}
	if m.windowChunks <= 0 || m.stride <= 0 {
		return nil, errors.New("phrase: window and stride must be positive")
	}
	return m, nil
}

// Predict implements wakeword.Model.
func (m *Model) Predict(ctx context.Context, samples []float32) ([]wakeword.Score, error) {
	m.window = append(m.window, samples)
	if len(m.window) > m.windowChunks {
		m.window = m.window[len(m.window)-m.windowChunks:]
	}
	m.since++
	if m.since < m.stride {
		return nil, nil
	}
	m.since = 0

	chunks := make([]audio.Chunk, len(m.window))
	for i, w := range m.window {
		chunks[i] = audio.Chunk{Samples: w, SampleRate: m.sampleRate}
	}
	utterance := audio.Concat(chunks)
	if audio.RMS(utterance.Samples) < m.energyFloor {
		return nil, nil
	}

	res, err := m.transcriber.Transcribe(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("phrase: transcribe window: %w", err)
	}
	return []wakeword.Score{{Model: m.name, Score: m.Score(res.Text)}}, nil
}

// Reset implements wakeword.Model.
func (m *Model) Reset() {
	m.window = nil
	m.since = 0
}

// Score returns how closely transcript contains the wake phrase, in [0, 1].
func (m *Model) Score(transcript string) float64 {
	words := normalize(transcript)
	n := len(m.phrase)
	if len(words) < n {
		return 0
	}
	target := strings.Join(m.phrase, " ")
	best := 0.0
	for i := 0; i+n <= len(words); i++ {
		window := words[i : i+n]
		score := matchr.JaroWinkler(strings.Join(window, " "), target, false)
		if m.phoneticMatch(window) {
			score = max(score, defaultPhoneticFloor)
		}
		best = max(best, score)
	}
	return best
}

func (m *Model) phoneticMatch(words []string) bool {
	for i, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		want := m.codes[i]
		if !codesOverlap(p, s, want[0], want[1]) {
			return false
		}
	}
	return true
}

func codesOverlap(p1, s1, p2, s2 string) bool {
	for _, a := range []string{p1, s1} {
		if a == "" {
			continue
		}
		if a == p2 || a == s2 {
			return true
		}
	}
	return false
}

// normalize lowercases s, drops punctuation and splits into words.
func normalize(s string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

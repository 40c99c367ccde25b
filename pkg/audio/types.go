// Package audio captures microphone input as fixed-size mono chunks and
// converts between sample formats.
//
// A [Device] delivers raw samples from its own goroutine; [Capture] resamples
// and downmixes them into [Chunk] values on a bounded queue. Device
// implementations live in sub-packages (audio/portaudio) and a test double
// in audio/mock.
package audio

import (
	"math"
	"time"
)

// Chunk is a fixed-duration block of mono audio produced by a [Capture].
// Samples are normalised to [-1.0, 1.0]. A Chunk is never mutated after it
// has been handed to a consumer; callers that need to change samples must copy.
type Chunk struct {
	// Samples holds mono float32 PCM in the range [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz (commonly 16000).
	SampleRate int

	// Timestamp marks when the first sample of the chunk was captured.
	Timestamp time.Time
}

// Duration returns the playback length of the chunk. A chunk with a
// non-positive sample rate has zero duration.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Empty reports whether the chunk carries no samples.
func (c Chunk) Empty() bool { return len(c.Samples) == 0 }

// Concat joins chunks in order into a single chunk. The sample rate and
// timestamp are taken from the first chunk. The returned samples never alias
// any input slice.
func Concat(chunks []Chunk) Chunk {
	if len(chunks) == 0 {
		return Chunk{}
	}
	n := 0
	for _, c := range chunks {
		n += len(c.Samples)
	}
	out := Chunk{
		Samples:    make([]float32, 0, n),
		SampleRate: chunks[0].SampleRate,
		Timestamp:  chunks[0].Timestamp,
	}
	for _, c := range chunks {
		out.Samples = append(out.Samples, c.Samples...)
	}
	return out
}

// TotalDuration sums the durations of chunks.
func TotalDuration(chunks []Chunk) time.Duration {
	var d time.Duration
	for _, c := range chunks {
		d += c.Duration()
	}
	return d
}

// RMS returns the root-mean-square level of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

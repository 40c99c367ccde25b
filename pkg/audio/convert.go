package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a raw device stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter turns interleaved device samples into mono samples at the
// target rate. It logs a warning on the first format mismatch. Create one per
// stream; it is not designed for shared use across goroutines.
type FormatConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert downmixes interleaved samples in src format to mono and resamples to
// the target rate. When src is already mono at the target rate, samples are
// returned unchanged (zero allocation).
func (c *FormatConverter) Convert(samples []float32, src Format) []float32 {
	if src.Channels <= 1 && src.SampleRate == c.TargetRate {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from_rate", src.SampleRate,
			"from_channels", src.Channels,
			"to_rate", c.TargetRate,
		)
	})
	out := samples
	if src.Channels > 1 {
		out = Downmix(out, src.Channels)
	}
	return Resample(out, src.SampleRate, c.TargetRate)
}

// Downmix averages interleaved frames of the given channel count into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// PCM16ToFloat32 decodes little-endian int16 PCM into normalised float32
// samples. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes normalised float32 samples as little-endian int16
// PCM, clamping values outside [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// Float32ToInt converts normalised samples to int values in the int16 range,
// the layout expected by go-audio buffers.
func Float32ToInt(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = int(floatToInt16(s))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	} else if v < math.MinInt16 {
		v = math.MinInt16
	}
	return int16(v)
}

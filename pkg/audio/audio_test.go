package audio_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/audio/mock"
)

func TestChunkDuration(t *testing.T) {
	t.Parallel()
	c := audio.Chunk{Samples: make([]float32, 1600), SampleRate: 16000}
	if got := c.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration() = %v, want 100ms", got)
	}
	if got := (audio.Chunk{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("Duration() with zero rate = %v, want 0", got)
	}
}

func TestConcat(t *testing.T) {
	t.Parallel()
	ts := time.Unix(100, 0)
	a := audio.Chunk{Samples: []float32{0.1, 0.2}, SampleRate: 8000, Timestamp: ts}
	b := audio.Chunk{Samples: []float32{0.3}, SampleRate: 8000}
	got := audio.Concat([]audio.Chunk{a, b})
	want := []float32{0.1, 0.2, 0.3}
	if len(got.Samples) != len(want) {
		t.Fatalf("len = %d, want %d", len(got.Samples), len(want))
	}
	for i := range want {
		if got.Samples[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got.Samples[i], want[i])
		}
	}
	if got.SampleRate != 8000 || !got.Timestamp.Equal(ts) {
		t.Errorf("metadata = (%d, %v), want (8000, %v)", got.SampleRate, got.Timestamp, ts)
	}
	got.Samples[0] = 1
	if a.Samples[0] != 0.1 {
		t.Error("Concat result aliases input samples")
	}
	if empty := audio.Concat(nil); !empty.Empty() {
		t.Error("Concat(nil) should be empty")
	}
}

func TestRMSAndPeak(t *testing.T) {
	t.Parallel()
	samples := []float32{0.5, -0.5, 0.5, -0.5}
	if got := audio.RMS(samples); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
	if got := audio.Peak([]float32{0.1, -0.9, 0.3}); math.Abs(got-0.9) > 1e-6 {
		t.Errorf("Peak = %v, want 0.9", got)
	}
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	in := make([]float32, 480)
	out := audio.Resample(in, 48000, 16000)
	if len(out) != 160 {
		t.Errorf("len = %d, want 160", len(out))
	}
	same := audio.Resample(in, 16000, 16000)
	if &same[0] != &in[0] {
		t.Error("equal rates should return input unchanged")
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.4}, 2)
	want := []float32{0.3, -0.3}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16RoundTripClamps(t *testing.T) {
	t.Parallel()
	pcm := audio.Float32ToPCM16([]float32{2, -2, 0})
	got := audio.PCM16ToFloat32(pcm)
	if got[0] < 0.99 || got[1] > -0.99 || got[2] != 0 {
		t.Errorf("decoded = %v, want clamped to [-1,1]", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()
	c := audio.Chunk{Samples: make([]float32, 1600), SampleRate: 16000}
	data, err := audio.EncodeWAV(c)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("missing RIFF header")
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected encoded file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz, %d ch, %d bit; want 16000, 1, 16", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if _, err := audio.EncodeWAV(audio.Chunk{}); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDecodeWAV(t *testing.T) {
	t.Parallel()
	in := audio.Chunk{Samples: []float32{0, 0.5, -0.5, 0.25}, SampleRate: 22050}
	data, err := audio.EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	out, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if out.SampleRate != 22050 || len(out.Samples) != len(in.Samples) {
		t.Fatalf("decoded %d samples at %d Hz, want %d at 22050", len(out.Samples), out.SampleRate, len(in.Samples))
	}
	for i := range in.Samples {
		if math.Abs(float64(out.Samples[i]-in.Samples[i])) > 1e-3 {
			t.Errorf("sample %d = %v, want %v", i, out.Samples[i], in.Samples[i])
		}
	}
	if _, err := audio.DecodeWAV([]byte("not a wav file")); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestCapture_ChunksAndTimeout(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{SampleRate: 16000}
	c := audio.NewCapture(dev)
	ctx := context.Background()

	if _, ok := c.Chunk(ctx, time.Millisecond); ok {
		t.Fatal("Chunk before Start should return false")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	dev.Emit(make([]float32, 1000))
	if _, ok := c.Chunk(ctx, 10*time.Millisecond); ok {
		t.Fatal("partial chunk should not be emitted")
	}
	dev.Emit(make([]float32, 2300))
	for i := range 2 {
		chunk, ok := c.Chunk(ctx, 100*time.Millisecond)
		if !ok {
			t.Fatalf("chunk %d: timed out", i)
		}
		if len(chunk.Samples) != 1600 {
			t.Errorf("chunk %d: %d samples, want 1600", i, len(chunk.Samples))
		}
	}
	if _, ok := c.Chunk(ctx, 10*time.Millisecond); ok {
		t.Error("expected timeout with 100 samples pending")
	}
}

func TestCapture_DropsWhenFull(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{}
	c := audio.NewCapture(dev, audio.WithQueueSize(2))
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	dev.Emit(make([]float32, 1600*5))
	if got := c.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestCapture_ConvertsDeviceFormat(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{SampleRate: 48000, Channels: 2}
	c := audio.NewCapture(dev)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	// 100ms of 48kHz stereo becomes exactly one 16kHz mono chunk.
	dev.Emit(make([]float32, 4800*2))
	if _, ok := c.Chunk(ctx, 100*time.Millisecond); !ok {
		t.Fatal("expected one converted chunk")
	}
}

func TestCapture_StartError(t *testing.T) {
	t.Parallel()
	dev := &mock.Device{StartErr: errors.New("no such device")}
	c := audio.NewCapture(dev)
	err := c.Start(context.Background())
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("Start error = %v, want ErrDevice", err)
	}
	if c.Running() {
		t.Error("capture should not be running after failed Start")
	}
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDevice is returned by [Capture.Start] when the input device cannot be
// opened or started.
var ErrDevice = errors.New("audio: input device unavailable")

// Device is a raw audio input. Implementations invoke onSamples from their
// own (often realtime) goroutine with interleaved float32 samples in the
// device's native [Format]. onSamples never blocks.
type Device interface {
	// Start opens and starts the input stream.
	Start(onSamples func(samples []float32)) error

	// Stop halts the stream and releases the device.
	Stop() error

	// Format reports the native sample rate and channel count.
	Format() Format
}

const (
	defaultSampleRate    = 16000
	defaultChunkDuration = 100 * time.Millisecond
	defaultQueueSize     = 100
)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithSampleRate sets the sample rate of emitted chunks. Default: 16000.
func WithSampleRate(rate int) CaptureOption {
	return func(c *Capture) { c.sampleRate = rate }
}

// WithChunkDuration sets the duration of emitted chunks. Default: 100ms.
func WithChunkDuration(d time.Duration) CaptureOption {
	return func(c *Capture) { c.chunkDuration = d }
}

// WithQueueSize sets the capacity of the chunk queue. Default: 100.
func WithQueueSize(n int) CaptureOption {
	return func(c *Capture) { c.queueSize = n }
}

// WithClock overrides the clock used to timestamp chunks.
func WithClock(now func() time.Time) CaptureOption {
	return func(c *Capture) { c.now = now }
}

// Capture bridges a [Device] to a bounded chunk queue. The device callback
// pushes samples with [Capture.Push]; the consumer pulls fixed-size chunks
// with [Capture.Chunk]. When the queue is full the newest chunk is dropped so
// the device callback never blocks.
type Capture struct {
	device        Device
	sampleRate    int
	chunkDuration time.Duration
	queueSize     int
	now           func() time.Time

	chunkSize int
	queue     chan Chunk
	conv      FormatConverter

	mu      sync.Mutex
	pending []float32

	running atomic.Bool
	dropped atomic.Int64
}

// NewCapture returns a Capture reading from device. device may be nil when
// samples are supplied directly through [Capture.Push].
func NewCapture(device Device, opts ...CaptureOption) *Capture {
	c := &Capture{
		device:        device,
		sampleRate:    defaultSampleRate,
		chunkDuration: defaultChunkDuration,
		queueSize:     defaultQueueSize,
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.chunkSize = int(float64(c.sampleRate) * c.chunkDuration.Seconds())
	if c.chunkSize <= 0 {
		c.chunkSize = 1
	}
	c.queue = make(chan Chunk, c.queueSize)
	c.conv = FormatConverter{TargetRate: c.sampleRate}
	return c
}

// SampleRate returns the sample rate of emitted chunks.
func (c *Capture) SampleRate() int { return c.sampleRate }

// ChunkSize returns the number of samples per emitted chunk.
func (c *Capture) ChunkSize() int { return c.chunkSize }

// Start starts the device. Calling Start on a running Capture is a no-op.
func (c *Capture) Start(_ context.Context) error {
	if c.running.Load() {
		return nil
	}
	c.running.Store(true)
	if c.device == nil {
		return nil
	}
	if err := c.device.Start(c.Push); err != nil {
		c.running.Store(false)
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	slog.Info("audio capture started",
		"sample_rate", c.sampleRate,
		"chunk_size", c.chunkSize,
	)
	return nil
}

// Stop stops the device and discards partially assembled samples. Queued
// chunks are discarded as well.
func (c *Capture) Stop(_ context.Context) error {
	if !c.running.Swap(false) {
		return nil
	}
	var err error
	if c.device != nil {
		err = c.device.Stop()
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	for {
		select {
		case <-c.queue:
		default:
			slog.Info("audio capture stopped", "dropped_chunks", c.dropped.Load())
			return err
		}
	}
}

// Running reports whether the capture is started.
func (c *Capture) Running() bool { return c.running.Load() }

// Dropped returns the number of chunks discarded because the queue was full.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Push accepts raw device samples. It is safe to call from the device
// callback goroutine and never blocks.
func (c *Capture) Push(samples []float32) {
	if !c.running.Load() {
		return
	}
	format := Format{SampleRate: c.sampleRate, Channels: 1}
	if c.device != nil {
		format = c.device.Format()
	}
	converted := c.conv.Convert(samples, format)

	c.mu.Lock()
	c.pending = append(c.pending, converted...)
	var ready [][]float32
	for len(c.pending) >= c.chunkSize {
		buf := make([]float32, c.chunkSize)
		copy(buf, c.pending[:c.chunkSize])
		ready = append(ready, buf)
		c.pending = c.pending[c.chunkSize:]
	}
	c.mu.Unlock()

	for _, buf := range ready {
		chunk := Chunk{Samples: buf, SampleRate: c.sampleRate, Timestamp: c.now()}
		select {
		case c.queue <- chunk:
		default:
			if c.dropped.Add(1) == 1 {
				slog.Warn("audio capture queue full, dropping chunks")
			}
		}
	}
}

// Chunk waits up to timeout for the next chunk. It returns false on timeout,
// when ctx is done, or when the capture is not running.
func (c *Capture) Chunk(ctx context.Context, timeout time.Duration) (Chunk, bool) {
	if !c.running.Load() {
		return Chunk{}, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-c.queue:
		return chunk, true
	case <-timer.C:
		return Chunk{}, false
	case <-ctx.Done():
		return Chunk{}, false
	}
}

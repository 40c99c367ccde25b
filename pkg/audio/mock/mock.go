// Package mock provides in-memory test doubles for the audio package.
//
// Device records Start/Stop calls and keeps the callback handed to Start so a
// test can feed samples as if they came from a microphone:
//
//	dev := &mock.Device{SampleRate: 16000}
//	capture := audio.NewCapture(dev)
//	_ = capture.Start(ctx)
//	dev.Emit(make([]float32, 1600))
package mock

import (
	"sync"

	"github.com/MrWong99/kiro/pkg/audio"
)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// SampleRate and Channels are reported by Format. Zero values default to
	// 16000 Hz mono.
	SampleRate int
	Channels   int

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StartCallCount and StopCallCount record lifecycle calls.
	StartCallCount int
	StopCallCount  int

	callback func([]float32)
}

// Start implements [audio.Device].
func (d *Device) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCallCount++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.callback = onSamples
	return nil
}

// Stop implements [audio.Device].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCallCount++
	d.callback = nil
	return d.StopErr
}

// Format implements [audio.Device].
func (d *Device) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := audio.Format{SampleRate: d.SampleRate, Channels: d.Channels}
	if f.SampleRate == 0 {
		f.SampleRate = 16000
	}
	if f.Channels == 0 {
		f.Channels = 1
	}
	return f
}

// Emit delivers samples to the callback registered by Start. It is a no-op
// when the device is not started.
func (d *Device) Emit(samples []float32) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

var _ audio.Device = (*Device)(nil)

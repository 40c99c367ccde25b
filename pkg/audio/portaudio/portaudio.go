// Package portaudio provides microphone input and speaker output backed by
// the PortAudio C library via github.com/gordonklaus/portaudio.
//
// [Init] must be called once before opening any stream and [Terminate] once
// at shutdown.
package portaudio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/kiro/pkg/audio"
)

// Init initialises the PortAudio library.
func Init() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	return pa.Terminate()
}

// Compile-time assertion that Device satisfies audio.Device.
var _ audio.Device = (*Device)(nil)

// Device is a mono PortAudio input stream.
type Device struct {
	name       string
	sampleRate int
	frames     int

	mu     sync.Mutex
	stream *pa.Stream
}

// NewDevice returns an input device. name selects a device by case-insensitive
// substring match; an empty name uses the system default input.
func NewDevice(name string, sampleRate int, framesPerBuffer int) *Device {
	return &Device{name: name, sampleRate: sampleRate, frames: framesPerBuffer}
}

// Format implements audio.Device.
func (d *Device) Format() audio.Format {
	return audio.Format{SampleRate: d.sampleRate, Channels: 1}
}

// Start implements audio.Device.
func (d *Device) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil
	}

	callback := func(in []float32) {
		buf := make([]float32, len(in))
		copy(buf, in)
		onSamples(buf)
	}

	var (
		stream *pa.Stream
		err    error
	)
	if d.name == "" {
		stream, err = pa.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frames, callback)
	} else {
		var info *pa.DeviceInfo
		info, err = findInput(d.name)
		if err != nil {
			return err
		}
		params := pa.LowLatencyParameters(info, nil)
		params.Input.Channels = 1
		params.SampleRate = float64(d.sampleRate)
		params.FramesPerBuffer = d.frames
		stream, err = pa.OpenStream(params, callback)
	}
	if err != nil {
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	d.stream = stream
	return nil
}

// Stop implements audio.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	stopErr := d.stream.Stop()
	closeErr := d.stream.Close()
	d.stream = nil
	if stopErr != nil {
		return fmt.Errorf("portaudio: stop input: %w", stopErr)
	}
	return closeErr
}

func findInput(name string) (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("portaudio: no input device matching %q", name)
}

// Player writes mono audio to the default output device. Play blocks until
// the chunk has been written or ctx is cancelled.
type Player struct {
	frames int
}

// NewPlayer returns a Player writing framesPerBuffer samples per write.
func NewPlayer(framesPerBuffer int) *Player {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &Player{frames: framesPerBuffer}
}

// Play writes c to the default output. Cancellation is checked between
// buffers, so playback stops within one buffer of ctx being cancelled.
func (p *Player) Play(ctx context.Context, c audio.Chunk) error {
	buf := make([]float32, p.frames)
	stream, err := pa.OpenDefaultStream(0, 1, float64(c.SampleRate), len(buf), &buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(c.Samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, c.Samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

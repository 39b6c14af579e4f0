// Package portaudio implements [audio.DeviceLister] and [audio.Source] on top
// of the PortAudio library.
//
// Captures are always opened with an int16 interleaved callback, so PortAudio
// performs any conversion from the hardware's float32 representation and the
// encoder never sees float samples from this backend.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Backend owns the PortAudio library lifetime. Create one per process with
// [New] and call [Backend.Close] on shutdown.
type Backend struct {
	closeOnce sync.Once
}

var _ audio.Backend = (*Backend)(nil)

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. Open captures must be closed first.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

// Devices implements [audio.DeviceLister]. Only devices with at least one
// input channel are returned.
func (b *Backend) Devices() ([]audio.Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	devices := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, toDevice(info))
	}
	return devices, nil
}

// NativeFormat implements [audio.Source]. PortAudio reports the device's
// default rate and channel count; host APIs deliver float32 natively.
func (b *Backend) NativeFormat(device *audio.Device) (audio.StreamFormat, error) {
	info, err := b.lookup(device)
	if err != nil {
		return audio.StreamFormat{}, err
	}
	return audio.StreamFormat{
		SampleRate:  info.DefaultSampleRate,
		Channels:    info.MaxInputChannels,
		BitDepth:    32,
		Interleaved: true,
		Encoding:    audio.EncodingFloat32,
	}, nil
}

// Open implements [audio.Source]. format must be int16 interleaved.
func (b *Backend) Open(device *audio.Device, format audio.StreamFormat, framesPerBuffer int) (audio.Capture, error) {
	if format.Encoding != audio.EncodingInt16 || !format.Interleaved {
		return nil, fmt.Errorf("portaudio: open: %w: want int16 interleaved, got %s", audio.ErrUnsupportedFormat, format)
	}
	info, err := b.lookup(device)
	if err != nil {
		return nil, err
	}
	channels := min(format.Channels, info.MaxInputChannels)
	if channels < 1 {
		return nil, fmt.Errorf("portaudio: open %q: device has no input channels", info.Name)
	}

	params := portaudio.HighLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = format.SampleRate
	params.FramesPerBuffer = framesPerBuffer

	c := &capture{
		format: audio.StreamFormat{
			SampleRate:  format.SampleRate,
			Channels:    channels,
			BitDepth:    16,
			Interleaved: true,
			Encoding:    audio.EncodingInt16,
		},
		device: info.Name,
	}
	stream, err := portaudio.OpenStream(params, c.process)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open stream on %q: %w", info.Name, err)
	}
	c.stream = stream
	return c, nil
}

// lookup maps an [audio.Device] back to PortAudio's device info. A nil device
// resolves to the default input.
func (b *Backend) lookup(device *audio.Device) (*portaudio.DeviceInfo, error) {
	if device == nil {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return info, nil
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && deviceID(info) == device.ID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("portaudio: device %q (%s) is no longer available", device.Name, device.ID)
}

func toDevice(info *portaudio.DeviceInfo) audio.Device {
	return audio.Device{
		ID:                deviceID(info),
		Name:              info.Name,
		MaxInputChannels:  info.MaxInputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
	}
}

// deviceID builds a stable identifier from host API and device name; PortAudio
// indices change when devices are plugged in or removed.
func deviceID(info *portaudio.DeviceInfo) string {
	api := "unknown"
	if info.HostApi != nil {
		api = info.HostApi.Name
	}
	return api + ":" + info.Name
}

// ---- capture ----

// capture is an open PortAudio input stream. It implements [audio.Capture].
type capture struct {
	audio.CallbackSet

	format audio.StreamFormat
	device string
	stream *portaudio.Stream

	mu      sync.Mutex
	started bool
	closed  bool
}

func (c *capture) Format() audio.StreamFormat { return c.format }

// process is the PortAudio callback. It runs on the realtime audio thread.
func (c *capture) process(in []int16) {
	c.Dispatch(audio.Buffer{
		Format:      c.format,
		FrameLength: len(in) / c.format.Channels,
		Int16:       in,
	})
}

func (c *capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("portaudio: capture is closed")
	}
	if c.started {
		return nil
	}
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start capture on %q: %w", c.device, err)
	}
	c.started = true
	slog.Debug("portaudio capture started", "device", c.device, "format", c.format.String())
	return nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.started {
		if err := c.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop capture: %w", err))
		}
		c.started = false
	}
	if err := c.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	return errors.Join(errs...)
}

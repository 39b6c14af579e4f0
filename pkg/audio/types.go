// Package audio defines the capture-side types of earshot: input device
// descriptors, stream formats, raw capture buffers, and the wire encoding
// that turns those buffers into the PCM payload sent to the backend.
//
// The main entry points are:
//
//   - [Catalog] and [ResolveTarget]: enumerate input devices and pick the
//     configured capture source.
//   - [NegotiateWireFormat] and [Encode]: compute the wire format for a
//     native capture format and convert capture buffers into wire bytes.
//   - [Source] and [Capture]: the capture abstraction. Platform adapters
//     (e.g. audio/portaudio) implement these; tests use audio/mock.
//
// This package lives under pkg/ because third-party capture backends are
// expected to implement [Source] and [Capture].
package audio

import "fmt"

// Device describes one audio input device as reported by the platform.
// Devices are read-only descriptors; the set is refreshed by enumerating again.
type Device struct {
	// ID is the opaque platform identifier of the device.
	ID string

	// Name is the human-readable device name (e.g. "MicPlusSystemAudio").
	Name string

	// MaxInputChannels is the number of input channels the device offers.
	// Zero when the platform does not report it.
	MaxInputChannels int

	// DefaultSampleRate is the device's preferred sample rate in Hz.
	// Zero when the platform does not report it.
	DefaultSampleRate float64
}

// SampleEncoding identifies the numeric representation of a single sample.
type SampleEncoding int

const (
	// EncodingUnknown is any encoding this package cannot handle.
	EncodingUnknown SampleEncoding = iota

	// EncodingInt16 is signed 16-bit integer PCM.
	EncodingInt16

	// EncodingFloat32 is 32-bit IEEE float PCM in the range [-1, 1].
	EncodingFloat32
)

// String returns the human-readable name of the encoding.
func (e SampleEncoding) String() string {
	switch e {
	case EncodingInt16:
		return "int16"
	case EncodingFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// StreamFormat describes the layout of a stream of audio samples.
type StreamFormat struct {
	// SampleRate in Hz (e.g. 48000).
	SampleRate float64

	// Channels is the number of channels per frame.
	Channels int

	// BitDepth is the number of bits per sample.
	BitDepth int

	// Interleaved reports whether samples of one frame are stored next to each
	// other (L R L R …) rather than in per-channel blocks.
	Interleaved bool

	// Encoding is the numeric sample representation.
	Encoding SampleEncoding
}

// String returns a compact description such as "48000Hz stereo int16 interleaved".
func (f StreamFormat) String() string {
	layout := "planar"
	if f.Interleaved {
		layout = "interleaved"
	}
	return fmt.Sprintf("%s %s %s", formatString(int(f.SampleRate), f.Channels), f.Encoding, layout)
}

// Buffer is one capture callback's worth of raw samples in the native format.
//
// Exactly one of Int16 and Float32 is populated, matching Format.Encoding.
// Interleaved buffers store sample (frame, ch) at index frame*Channels+ch.
// Planar buffers store channel blocks back to back, so the same sample lives at
// ch*FrameLength+frame.
type Buffer struct {
	Format      StreamFormat
	FrameLength int
	Int16       []int16
	Float32     []float32
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants. The backend accepts interleaved signed 16-bit
// little-endian stereo PCM at the capture's native sample rate.
const (
	WireChannels = 2
	WireBitDepth = 16
)

var (
	// ErrUnsupportedFormat is returned for native encodings other than int16
	// and float32.
	ErrUnsupportedFormat = errors.New("audio: unsupported sample format")

	// ErrFormatMismatch is returned when a float32 buffer reaches the encoder.
	// The backend only accepts int16, so the capture must be opened with an
	// int16 request instead of sending raw float words.
	ErrFormatMismatch = errors.New("audio: float32 samples cannot be sent to an int16 backend")

	// ErrEncode is returned for malformed buffers (bad channel count, or fewer
	// samples than FrameLength*Channels).
	ErrEncode = errors.New("audio: malformed capture buffer")
)

// NegotiateWireFormat returns the wire format for a native capture format:
// interleaved int16 stereo at the native sample rate. No resampling happens,
// so two devices with different native rates yield different wire rates.
func NegotiateWireFormat(native StreamFormat) StreamFormat {
	return StreamFormat{
		SampleRate:  native.SampleRate,
		Channels:    WireChannels,
		BitDepth:    WireBitDepth,
		Interleaved: true,
		Encoding:    EncodingInt16,
	}
}

// CheckFormat reports whether native is a capture format a session can be
// started from. Only int16 and float32 PCM with at least one channel and a
// positive sample rate qualify.
func CheckFormat(native StreamFormat) error {
	switch native.Encoding {
	case EncodingInt16, EncodingFloat32:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, native.Encoding)
	}
	if native.Channels < 1 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, native.Channels)
	}
	if native.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %g", ErrUnsupportedFormat, native.SampleRate)
	}
	return nil
}

// CaptureFormat returns the format a capture should be opened with for the
// given native format: same rate and channel count, int16 interleaved. The
// platform performs any float32 to int16 conversion.
func CaptureFormat(native StreamFormat) StreamFormat {
	return StreamFormat{
		SampleRate:  native.SampleRate,
		Channels:    native.Channels,
		BitDepth:    16,
		Interleaved: true,
		Encoding:    EncodingInt16,
	}
}

// Encode converts buf into little-endian int16 bytes, frame-major and
// channel-minor, regardless of whether buf is planar or interleaved. The
// result has exactly FrameLength*Channels*2 bytes and the same channel count
// as buf. The output is a fresh slice that the caller owns.
func Encode(buf Buffer) ([]byte, error) {
	f := buf.Format
	switch f.Encoding {
	case EncodingInt16:
	case EncodingFloat32:
		return nil, ErrFormatMismatch
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Encoding)
	}

	if f.Channels < 1 {
		return nil, fmt.Errorf("%w: %d channels", ErrEncode, f.Channels)
	}
	if buf.FrameLength < 0 {
		return nil, fmt.Errorf("%w: negative frame length %d", ErrEncode, buf.FrameLength)
	}
	need := buf.FrameLength * f.Channels
	if len(buf.Int16) < need {
		return nil, fmt.Errorf("%w: have %d samples, need %d", ErrEncode, len(buf.Int16), need)
	}

	out := make([]byte, need*2)
	i := 0
	for frame := range buf.FrameLength {
		for ch := range f.Channels {
			var s int16
			if f.Interleaved {
				s = buf.Int16[frame*f.Channels+ch]
			} else {
				s = buf.Int16[ch*buf.FrameLength+frame]
			}
			binary.LittleEndian.PutUint16(out[i:], uint16(s))
			i += 2
		}
	}
	return out, nil
}

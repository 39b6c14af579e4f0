// Package mock provides in-memory mock implementations of the
// [audio.DeviceLister], [audio.Source], and [audio.Capture] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{FormatResult: format}
//	source := &mock.Source{NativeFormatResult: format, OpenResult: capture}
//	// … start the controller against source …
//	capture.Emit(audio.Buffer{Format: format, FrameLength: 4, Int16: samples})
package mock

import (
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ─── DeviceLister ─────────────────────────────────────────────────────────────

// DeviceLister is a mock implementation of [audio.DeviceLister].
type DeviceLister struct {
	mu sync.Mutex

	// DevicesResult is returned by [DeviceLister.Devices].
	DevicesResult []audio.Device

	// DevicesError is returned by [DeviceLister.Devices].
	DevicesError error

	// CallCountDevices records how many times Devices was called.
	CallCountDevices int
}

// Devices implements [audio.DeviceLister].
func (l *DeviceLister) Devices() ([]audio.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountDevices++
	if l.DevicesError != nil {
		return nil, l.DevicesError
	}
	out := make([]audio.Device, len(l.DevicesResult))
	copy(out, l.DevicesResult)
	return out, nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Buffers are delivered
// synchronously by [Capture.Emit] to every registered callback, but only while
// the capture is started and not closed.
type Capture struct {
	audio.CallbackSet

	mu sync.Mutex

	// FormatResult is returned by [Capture.Format].
	FormatResult audio.StreamFormat

	// StartError is returned by [Capture.Start].
	StartError error

	// CloseError is returned by [Capture.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	started bool
	closed  bool
}

// Format implements [audio.Capture].
func (c *Capture) Format() audio.StreamFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.FormatResult
}

// Start implements [audio.Capture].
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.started = true
	return nil
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.started = false
	c.closed = true
	return c.CloseError
}

// Running reports whether the capture is started and not closed.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed
}

// Emit delivers buf to all registered callbacks as the capture thread would.
// It reports whether the buffer was delivered.
func (c *Capture) Emit(buf audio.Buffer) bool {
	if !c.Running() {
		return false
	}
	c.Dispatch(buf)
	return true
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Device is the device argument; nil means the platform default.
	Device *audio.Device
	// Format is the requested capture format.
	Format audio.StreamFormat
	// FramesPerBuffer is the requested buffer size.
	FramesPerBuffer int
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// NativeFormatResult is returned by [Source.NativeFormat].
	NativeFormatResult audio.StreamFormat

	// NativeFormatError is returned by [Source.NativeFormat].
	NativeFormatError error

	// OpenResult is returned by [Source.Open]. When nil, Open returns a fresh
	// [Capture] whose format is the requested one; see Captures.
	OpenResult *Capture

	// OpenError is returned by [Source.Open].
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Captures holds every capture returned by Open, in order.
	Captures []*Capture
}

// NativeFormat implements [audio.Source].
func (s *Source) NativeFormat(_ *audio.Device) (audio.StreamFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NativeFormatResult, s.NativeFormatError
}

// Open implements [audio.Source].
func (s *Source) Open(device *audio.Device, format audio.StreamFormat, framesPerBuffer int) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Device: device, Format: format, FramesPerBuffer: framesPerBuffer})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	c := s.OpenResult
	if c == nil {
		c = &Capture{FormatResult: format}
	}
	s.Captures = append(s.Captures, c)
	return c, nil
}

// LastCapture returns the most recently opened capture, or nil.
func (s *Source) LastCapture() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Captures) == 0 {
		return nil
	}
	return s.Captures[len(s.Captures)-1]
}

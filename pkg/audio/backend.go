package audio

import "errors"

// ErrNoBackend is returned by [NullBackend] for every capture request.
var ErrNoBackend = errors.New("audio: no capture backend configured")

// Backend is a platform audio backend: it lists input devices, opens
// captures, and owns the platform library lifetime.
type Backend interface {
	DeviceLister
	Source
	Close() error
}

// NullBackend reports no devices and refuses to capture. It lets the process
// run its control surface on hosts without audio hardware.
type NullBackend struct{}

var _ Backend = NullBackend{}

// Devices returns an empty list.
func (NullBackend) Devices() ([]Device, error) { return []Device{}, nil }

// NativeFormat always fails with [ErrNoBackend].
func (NullBackend) NativeFormat(*Device) (StreamFormat, error) {
	return StreamFormat{}, ErrNoBackend
}

// Open always fails with [ErrNoBackend].
func (NullBackend) Open(*Device, StreamFormat, int) (Capture, error) {
	return nil, ErrNoBackend
}

// Close does nothing.
func (NullBackend) Close() error { return nil }

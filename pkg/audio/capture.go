package audio

import (
	"slices"
	"sync"
)

// FrameCallback receives one capture buffer. It runs on the capture thread and
// must not block. The buffer's sample slices are only valid for the duration
// of the call.
type FrameCallback func(Buffer)

// SubscriptionID identifies a registered [FrameCallback].
type SubscriptionID uint64

// Capture is an opened, not necessarily started, capture stream.
//
// Implementations must be safe for concurrent use: callbacks may be
// registered and unregistered while the capture thread is delivering buffers.
type Capture interface {
	// Format returns the format buffers are delivered in.
	Format() StreamFormat

	// RegisterFrameCallback subscribes fn to every captured buffer.
	RegisterFrameCallback(fn FrameCallback) SubscriptionID

	// Unregister removes a subscription. Unknown IDs are ignored. After
	// Unregister returns, fn is not invoked again.
	Unregister(id SubscriptionID)

	// Start begins delivering buffers.
	Start() error

	// Close stops delivery and releases the device. Safe to call more than
	// once and on a capture that was never started.
	Close() error
}

// Source opens captures on a platform audio backend.
type Source interface {
	// NativeFormat reports the hardware format of device. A nil device means
	// the platform's default input.
	NativeFormat(device *Device) (StreamFormat, error)

	// Open prepares a capture on device delivering buffers of framesPerBuffer
	// frames in format. Backends that cannot honour format must return an error
	// rather than deliver something else.
	Open(device *Device, format StreamFormat, framesPerBuffer int) (Capture, error)
}

// CallbackSet is a concurrency-safe registry of frame callbacks. Capture
// implementations embed it to implement RegisterFrameCallback, Unregister,
// and fan-out. The zero value is ready to use.
type CallbackSet struct {
	mu     sync.RWMutex
	nextID SubscriptionID
	subs   []subscription
}

type subscription struct {
	id SubscriptionID
	fn FrameCallback
}

// RegisterFrameCallback adds fn and returns its subscription ID.
func (s *CallbackSet) RegisterFrameCallback(fn FrameCallback) SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs = append(s.subs, subscription{id: s.nextID, fn: fn})
	return s.nextID
}

// Unregister removes the subscription with the given ID.
func (s *CallbackSet) Unregister(id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = slices.DeleteFunc(s.subs, func(sub subscription) bool { return sub.id == id })
}

// Len returns the number of registered callbacks.
func (s *CallbackSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dispatch invokes every registered callback with buf, in registration order.
// The read lock is held during dispatch so that Unregister waits for an
// in-flight delivery to finish; callbacks must not call Unregister themselves.
func (s *CallbackSet) Dispatch(buf Buffer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		sub.fn(buf)
	}
}

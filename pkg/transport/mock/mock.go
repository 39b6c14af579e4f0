// Package mock provides an in-memory stand-in for [transport.Transport] so the
// streaming controller can be tested without a network.
//
// The mock never fires hooks on its own. Tests drive the lifecycle explicitly
// with [Transport.Open], [Transport.Fail], and [Transport.Receive], which run
// the registered hooks synchronously on the calling goroutine.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/pkg/transport"
)

// ─── Transport ────────────────────────────────────────────────────────────────

// CloseCall records the arguments of a single [Transport.Close] invocation.
type CloseCall struct {
	Code   websocket.StatusCode
	Reason string
}

// Transport is a mock single-session transport.
type Transport struct {
	mu sync.Mutex

	// Endpoint is the URL the transport was created for.
	Endpoint string

	// Hooks are the lifecycle hooks passed at construction.
	Hooks transport.Hooks

	// ConnectError is returned by [Transport.Connect]. When set, the mock moves
	// to errored like the real transport does for a bad endpoint.
	ConnectError error

	// DropAudio makes every [Transport.SendAudio] call report a dropped frame,
	// simulating a writer that cannot keep up.
	DropAudio bool

	// Announcements records every Connect call's announcement.
	Announcements []transport.Announcement

	// Frames records every accepted audio frame, in order.
	Frames [][]byte

	// CloseCalls records every Close call.
	CloseCalls []CloseCall

	state transport.State
}

// Connect implements the transport contract. It records ann and moves to
// connecting; it never opens by itself.
func (t *Transport) Connect(_ context.Context, ann transport.Announcement) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Announcements = append(t.Announcements, ann)
	if t.state != transport.StateDisconnected {
		return transport.ErrInvalidState
	}
	if t.ConnectError != nil {
		t.state = transport.StateErrored
		return t.ConnectError
	}
	t.state = transport.StateConnecting
	return nil
}

// SendAudio implements the transport contract.
func (t *Transport) SendAudio(frame []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != transport.StateOpen || t.DropAudio {
		return false
	}
	t.Frames = append(t.Frames, slices.Clone(frame))
	return true
}

// Close implements the transport contract. An errored mock stays errored and
// does not fire OnClose.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	t.CloseCalls = append(t.CloseCalls, CloseCall{Code: code, Reason: reason})
	prev := t.state
	if prev == transport.StateErrored || prev == transport.StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateDisconnected
	onClose := t.Hooks.OnClose
	t.mu.Unlock()

	if onClose != nil {
		onClose(code, reason)
	}
	return nil
}

// State implements the transport contract.
func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ─── Test controls ────────────────────────────────────────────────────────────

// Open moves a connecting mock to open and fires OnOpen. It reports whether
// the transition happened.
func (t *Transport) Open() bool {
	t.mu.Lock()
	if t.state != transport.StateConnecting {
		t.mu.Unlock()
		return false
	}
	t.state = transport.StateOpen
	onOpen := t.Hooks.OnOpen
	t.mu.Unlock()

	if onOpen != nil {
		onOpen()
	}
	return true
}

// Fail moves a connecting or open mock to errored and fires OnError with err.
// It reports whether the transition happened.
func (t *Transport) Fail(err error) bool {
	t.mu.Lock()
	if t.state != transport.StateConnecting && t.state != transport.StateOpen {
		t.mu.Unlock()
		return false
	}
	t.state = transport.StateErrored
	onError := t.Hooks.OnError
	t.mu.Unlock()

	if onError != nil {
		onError(err)
	}
	return true
}

// Receive delivers msg to OnMessage.
func (t *Transport) Receive(msg transport.Message) {
	t.mu.Lock()
	onMessage := t.Hooks.OnMessage
	t.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

// FrameCount returns how many audio frames were accepted.
func (t *Transport) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Frames)
}

// ─── Factory ──────────────────────────────────────────────────────────────────

// Factory hands out a fresh mock [Transport] per session and remembers each.
type Factory struct {
	mu sync.Mutex

	// ConnectError is copied into every transport the factory creates.
	ConnectError error

	// Transports holds every transport created, in order.
	Transports []*Transport
}

// New creates and records a transport for endpoint.
func (f *Factory) New(endpoint string, hooks transport.Hooks) *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &Transport{Endpoint: endpoint, Hooks: hooks, ConnectError: f.ConnectError}
	f.Transports = append(f.Transports, t)
	return t
}

// Last returns the most recently created transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Transports) == 0 {
		return nil
	}
	return f.Transports[len(f.Transports)-1]
}

// Count returns how many transports were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transports)
}

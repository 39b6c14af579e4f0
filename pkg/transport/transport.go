// Package transport owns the WebSocket session between earshot and the
// transcription backend.
//
// A [Transport] serves exactly one streaming session. [Transport.Connect]
// dials in the background; once the socket is open the transport sends the
// session_start control message, fires [Hooks.OnOpen], and starts a receive
// loop and a writer. Audio is offered with [Transport.SendAudio], which never
// blocks and drops frames whenever the connection is not open or the writer
// is behind.
//
// Any I/O failure moves the transport to [StateErrored] and is reported once
// through [Hooks.OnError]. There is no reconnect: a new session needs a new
// Transport.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSendQueue   = 8
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 1 << 20
)

var (
	// ErrConnect wraps dial and handshake failures.
	ErrConnect = errors.New("transport: connect failed")

	// ErrSend wraps write failures on an open connection.
	ErrSend = errors.New("transport: send failed")

	// ErrReceive wraps read failures, including the backend closing the socket.
	ErrReceive = errors.New("transport: receive failed")

	// ErrInvalidState is returned when an operation is not allowed in the
	// transport's current state.
	ErrInvalidState = errors.New("transport: invalid state")
)

// State is the lifecycle state of a [Transport].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Message is one inbound WebSocket message. Inbound messages carry no
// protocol meaning for the streaming session.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// Hooks are the lifecycle notifications of a [Transport]. Each hook is
// optional and runs on a transport goroutine; hooks must not block and must
// not call [Transport.Close].
type Hooks struct {
	// OnOpen fires exactly once after the connection opened and the
	// session_start message was written.
	OnOpen func()

	// OnMessage fires for every inbound message.
	OnMessage func(Message)

	// OnClose fires once when a Close initiated by the caller completes.
	OnClose func(code websocket.StatusCode, reason string)

	// OnError fires at most once, when the transport enters [StateErrored].
	// The error wraps one of ErrConnect, ErrSend, or ErrReceive.
	OnError func(error)
}

// Option is a functional option for configuring a [Transport].
type Option func(*Transport)

// WithSendQueue sets how many audio frames may wait for the writer before
// further frames are dropped. Default 8.
func WithSendQueue(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.sendQueue = n
		}
	}
}

// WithDialTimeout bounds the connect handshake. Default 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithHTTPHeader adds headers to the WebSocket upgrade request.
func WithHTTPHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h.Clone()
	}
}

// WithReadLimit sets the maximum inbound message size in bytes. Default 1 MiB.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// WithClock overrides the clock used for the session_start timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// Transport is a single-session WebSocket connection to the backend.
// All methods are safe for concurrent use.
type Transport struct {
	endpoint    string
	hooks       Hooks
	sendQueue   int
	dialTimeout time.Duration
	readLimit   int64
	header      http.Header
	now         func() time.Time

	state atomic.Int32
	audio chan []byte

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Transport for endpoint (e.g. "ws://localhost:8080/ws").
// Nothing is dialled until [Transport.Connect].
func New(endpoint string, hooks Hooks, opts ...Option) *Transport {
	t := &Transport{
		endpoint:    endpoint,
		hooks:       hooks,
		sendQueue:   defaultSendQueue,
		dialTimeout: defaultDialTimeout,
		readLimit:   defaultReadLimit,
		now:         time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.audio = make(chan []byte, t.sendQueue)
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Endpoint returns the backend URL this transport dials.
func (t *Transport) Endpoint() string { return t.endpoint }

// Connect starts connecting in the background and returns immediately. It
// fails only if the transport was already used or the endpoint is not a
// ws/wss URL. The returned session is bound to ctx's values but not to its
// cancellation; use [Transport.Close] to end it.
func (t *Transport) Connect(ctx context.Context, ann Announcement) error {
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, t.State())
	}
	if err := validateEndpoint(t.endpoint); err != nil {
		t.state.Store(int32(StateErrored))
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(runCtx, ann)
	return nil
}

// SendAudio offers one binary frame for transmission. The frame is copied.
// It returns false when the frame was dropped because the connection is not
// open or the writer is still busy with earlier frames.
func (t *Transport) SendAudio(frame []byte) bool {
	if t.State() != StateOpen {
		return false
	}
	select {
	case t.audio <- slices.Clone(frame):
		return true
	default:
		return false
	}
}

// SendControl writes v as a JSON text message. It fails with ErrInvalidState
// unless the connection is open; a write failure moves the transport to
// [StateErrored].
func (t *Transport) SendControl(ctx context.Context, v any) error {
	if t.State() != StateOpen {
		return fmt.Errorf("%w: send control in state %s", ErrInvalidState, t.State())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode control message: %w", err)
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.fail(ErrSend, err)
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// Close ends the session. A pending dial is cancelled; an open connection is
// closed with code and reason. Close waits for the transport goroutines and
// fires [Hooks.OnClose] once. On an errored transport Close only releases
// resources and the state stays [StateErrored]. Closing a transport that never
// connected, or closing twice, is a no-op.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	for {
		s := t.State()
		switch s {
		case StateDisconnected, StateClosing:
			return nil
		case StateErrored:
			t.release()
			return nil
		}
		if t.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(code, reason); cerr != nil && websocket.CloseStatus(cerr) == -1 {
			err = fmt.Errorf("transport: close: %w", cerr)
		}
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.state.Store(int32(StateDisconnected))

	slog.Debug("transport closed", "endpoint", t.endpoint, "code", code, "reason", reason)
	t.closeOnce.Do(func() {
		if t.hooks.OnClose != nil {
			t.hooks.OnClose(code, reason)
		}
	})
	return err
}

// release tears down goroutines and the socket of an errored transport.
func (t *Transport) release() {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
	t.wg.Wait()
}

// run dials, performs the session handshake, then becomes the receive loop.
func (t *Transport) run(ctx context.Context, ann Announcement) {
	defer t.wg.Done()

	dialCtx, cancelDial := context.WithTimeout(ctx, t.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.endpoint, &websocket.DialOptions{
		HTTPHeader: t.header,
	})
	cancelDial()
	if err != nil {
		t.fail(ErrConnect, err)
		return
	}
	conn.SetReadLimit(t.readLimit)

	t.mu.Lock()
	if t.State() != StateConnecting {
		t.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	start := NewSessionStart(ann, t.now())
	data, err := json.Marshal(start)
	if err != nil {
		t.fail(ErrConnect, fmt.Errorf("encode session_start: %w", err))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.fail(ErrSend, fmt.Errorf("session_start: %w", err))
		return
	}

	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	slog.Info("transport open", "endpoint", t.endpoint, "session_id", ann.SessionID)
	if t.hooks.OnOpen != nil {
		t.hooks.OnOpen()
	}

	t.wg.Add(1)
	go t.writeLoop(ctx, conn)
	t.readLoop(ctx, conn)
}

// writeLoop sends queued audio frames as binary messages.
func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.audio:
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				t.fail(ErrSend, err)
				return
			}
		}
	}
}

// readLoop receives inbound messages until the connection fails or closes.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.fail(ErrReceive, err)
			return
		}

		if typ == websocket.MessageText {
			slog.Debug("transport received text message", "type", inboundType(data), "bytes", len(data))
		} else {
			slog.Debug("transport received binary message", "bytes", len(data))
		}
		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(Message{Type: typ, Data: data})
		}
	}
}

// fail moves a connecting or open transport to StateErrored and reports err
// through OnError. Failures observed while closing are the expected result of
// Close and are ignored.
func (t *Transport) fail(kind, err error) {
	for {
		s := t.State()
		if s != StateConnecting && s != StateOpen {
			return
		}
		if t.state.CompareAndSwap(int32(s), int32(StateErrored)) {
			break
		}
	}

	full := fmt.Errorf("%w: %w", kind, err)
	slog.Warn("transport failed", "endpoint", t.endpoint, "err", full)

	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
	if t.hooks.OnError != nil {
		t.hooks.OnError(full)
	}
}

// validateEndpoint checks that endpoint is an absolute ws or wss URL.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	return nil
}

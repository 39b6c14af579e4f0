// Package streaming implements the session controller that ties audio capture
// to the backend transport.
//
// A [Controller] owns at most one session at a time. [Controller.Start]
// resolves the capture device, opens capture, connects a fresh transport
// under a new session ID, and wires every captured buffer through the encoder
// into the transport. [Controller.Stop] tears the pipeline down in reverse.
// A transport failure ends the session in [StateErrored]; streaming resumes
// only with another Start, which always allocates a new session ID.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/transport"
)

const defaultFramesPerBuffer = 4096

var (
	// ErrStartFailed wraps every error that aborted a Start. The controller is
	// back in [StateIdle] when it is returned.
	ErrStartFailed = errors.New("streaming: start failed")

	// ErrDeviceNotFound is logged when the preferred device is not present.
	// It never fails a Start; capture falls back to the default input.
	ErrDeviceNotFound = errors.New("streaming: preferred device not found")

	// ErrBusy is returned by Start while a Stop is still tearing down.
	ErrBusy = errors.New("streaming: stop in progress")
)

// State is the lifecycle state of a [Controller].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Transport is the part of [transport.Transport] the controller drives.
type Transport interface {
	Connect(ctx context.Context, ann transport.Announcement) error
	SendAudio(frame []byte) bool
	Close(code websocket.StatusCode, reason string) error
	State() transport.State
}

// TransportFactory creates the transport of one session.
type TransportFactory func(endpoint string, hooks transport.Hooks) Transport

// DeviceResolver maps the preferred device name to a capture device.
// [*audio.Catalog] implements it.
type DeviceResolver interface {
	Resolve(preferredName string) (audio.Resolution, error)
}

// Config holds the controller settings.
type Config struct {
	// Endpoint is the backend WebSocket URL.
	Endpoint string

	// PreferredDevice is the input device name to capture from. Empty or
	// unknown names fall back to the platform default input.
	PreferredDevice string

	// FramesPerBuffer is the capture buffer size. Default 4096.
	FramesPerBuffer int
}

// Deps are the collaborators of a [Controller]. Devices, Source and
// NewTransport are required.
type Deps struct {
	Devices      DeviceResolver
	Source       audio.Source
	NewTransport TransportFactory

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// NewSessionID defaults to [uuid.NewString].
	NewSessionID func() string

	// Now defaults to [time.Now].
	Now func() time.Time
}

// Status is a read-only snapshot of the controller for display.
type Status struct {
	State      State              `json:"-"`
	StateName  string             `json:"state"`
	Streaming  bool               `json:"streaming"`
	DeviceName string             `json:"device"`
	SessionID  string             `json:"session_id,omitempty"`
	Format     audio.StreamFormat `json:"-"`
	SampleRate float64            `json:"sample_rate,omitempty"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	LastError  string             `json:"last_error,omitempty"`
}

// Controller runs at most one streaming session. All methods are safe for
// concurrent use; Start and Stop are serialised internally.
type Controller struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	state     State
	preferred string
	sess      *session
	lastErr   error

	// active is the session whose frames may be sent. It is nil outside
	// StateStreaming and is read lock-free on the capture thread.
	active atomic.Pointer[session]
}

// session is everything acquired by one successful Start.
type session struct {
	id         string
	deviceName string
	wire       audio.StreamFormat
	startedAt  time.Time
	connectAt  time.Time

	capture   audio.Capture
	sub       audio.SubscriptionID
	transport Transport

	// streaming is set once the session reached StateStreaming and cleared
	// when it leaves it; it keeps the active gauge balanced.
	streaming bool

	encodeWarn       sync.Once
	releaseCaptureMu sync.Mutex
	captureReleased  bool
	closeOnce        sync.Once
	closeErr         error
}

// New creates an idle Controller.
func New(cfg Config, deps Deps) *Controller {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.NewSessionID == nil {
		deps.NewSessionID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		deps:      deps,
		preferred: cfg.PreferredDevice,
	}
}

// SetPreferredDevice changes the device used by the next Start. A running
// session keeps its device.
func (c *Controller) SetPreferredDevice(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = name
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state,
		StateName:  c.state.String(),
		Streaming:  c.state == StateStreaming,
		DeviceName: c.preferred,
	}
	if s := c.sess; s != nil {
		st.SessionID = s.id
		st.DeviceName = s.deviceName
		st.Format = s.wire
		st.SampleRate = s.wire.SampleRate
		st.StartedAt = s.startedAt
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Start begins a new streaming session. It is a no-op while a session is
// starting or streaming. From [StateErrored] the leftovers of the failed
// session are released first. Failures return an error wrapping
// [ErrStartFailed] after every partially acquired resource was released.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "streaming.Start")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	c.mu.Lock()
	switch c.state {
	case StateStarting, StateStreaming:
		var id string
		if c.sess != nil {
			id = c.sess.id
		}
		c.mu.Unlock()
		log.Info("start ignored: session already running", "session_id", id)
		return nil
	case StateStopping:
		c.mu.Unlock()
		return ErrBusy
	case StateErrored:
		// The failed session's OnError hook has already run, so closing its
		// transport here cannot wait on c.mu.
		if old := c.sess; old != nil {
			if rerr := old.release(); rerr != nil {
				log.Warn("releasing failed session", "session_id", old.id, "err", rerr)
			}
		}
		c.sess = nil
	}

	c.state = StateStarting
	s, err := c.open(ctx, log)
	if err != nil {
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()

		// Released without the lock: a transport hook may be waiting for it.
		if s != nil {
			err = errors.Join(err, s.release())
		}
		c.deps.Metrics.RecordSessionFailed(ctx, "start")
		log.Error("start failed", "err", err)
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	c.sess = s
	c.state = StateStreaming
	c.lastErr = nil
	s.streaming = true
	c.active.Store(s)
	c.mu.Unlock()

	c.deps.Metrics.SessionsStarted.Add(ctx, 1)
	c.deps.Metrics.SessionsActive.Add(ctx, 1)
	span.SetAttributes(
		observe.AttrSessionID.String(s.id),
		observe.AttrDevice.String(s.deviceName),
		observe.AttrEndpoint.String(c.cfg.Endpoint),
	)
	log.Info("streaming started",
		"session_id", s.id,
		"device", s.deviceName,
		"format", s.wire.String(),
		"endpoint", c.cfg.Endpoint,
	)
	return nil
}

// open acquires capture and transport for a new session. On error it returns
// whatever part of the session was acquired, for the caller to release once
// c.mu is unlocked. Called with c.mu held.
func (c *Controller) open(ctx context.Context, log *slog.Logger) (*session, error) {
	device := c.resolveDevice(log)
	deviceName := "default"
	if device != nil {
		deviceName = device.Name
	}

	native, err := c.deps.Source.NativeFormat(device)
	if err != nil {
		return nil, fmt.Errorf("query native format of %q: %w", deviceName, err)
	}
	if err := audio.CheckFormat(native); err != nil {
		return nil, err
	}
	wire := audio.NegotiateWireFormat(native)

	capture, err := c.deps.Source.Open(device, audio.CaptureFormat(native), c.cfg.FramesPerBuffer)
	if err != nil {
		return nil, fmt.Errorf("open capture on %q: %w", deviceName, err)
	}

	s := &session{
		id:         c.deps.NewSessionID(),
		deviceName: deviceName,
		wire:       wire,
		capture:    capture,
		startedAt:  c.deps.Now(),
	}
	s.connectAt = s.startedAt
	s.transport = c.deps.NewTransport(c.cfg.Endpoint, c.hooks(s))

	if err := s.transport.Connect(ctx, transport.Announcement{SessionID: s.id, Format: wire}); err != nil {
		return s, err
	}

	s.sub = capture.RegisterFrameCallback(c.frameHandler(s))
	if err := capture.Start(); err != nil {
		return s, fmt.Errorf("start capture: %w", err)
	}

	log.Debug("session opened",
		"session_id", s.id,
		"native", native.String(),
		"capture", capture.Format().String(),
	)
	return s, nil
}

// resolveDevice returns the matching device, or nil for the platform default.
func (c *Controller) resolveDevice(log *slog.Logger) *audio.Device {
	if c.preferred == "" {
		return nil
	}
	res, err := c.deps.Devices.Resolve(c.preferred)
	if err != nil {
		log.Warn("device enumeration failed, using default input", "err", err)
		return nil
	}
	if !res.Matched {
		attrs := []any{"device", c.preferred, "err", ErrDeviceNotFound}
		if res.Suggestion != "" {
			attrs = append(attrs, "did_you_mean", res.Suggestion)
		}
		log.Warn("preferred device not found, using default input", attrs...)
		return nil
	}
	d := res.Device
	return &d
}

// Stop ends the current session: the capture callback is removed, capture is
// closed, and the transport is closed with going-away. Every release step runs
// even when an earlier one fails; the errors are joined. Stop is a no-op when
// idle or already stopping.
func (c *Controller) Stop(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "streaming.Stop")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	c.mu.Lock()
	if c.state == StateIdle || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	s := c.sess
	c.state = StateStopping
	c.active.Store(nil)
	wasStreaming := s != nil && s.streaming
	if s != nil {
		s.streaming = false
	}
	c.mu.Unlock()

	// The lock is not held while tearing down: transport hooks take it.
	if s != nil {
		err = s.release()
		span.SetAttributes(observe.AttrSessionID.String(s.id))
	}
	if wasStreaming {
		c.deps.Metrics.SessionsActive.Add(ctx, -1)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sess = nil
	c.mu.Unlock()

	if s != nil {
		log.Info("streaming stopped", "session_id", s.id, "duration", c.deps.Now().Sub(s.startedAt))
	}
	if err != nil {
		log.Warn("stop released resources with errors", "err", err)
	}
	return err
}

// hooks returns the transport hooks of session s.
func (c *Controller) hooks(s *session) transport.Hooks {
	return transport.Hooks{
		OnOpen: func() {
			c.deps.Metrics.RecordConnect(context.Background(), c.deps.Now().Sub(s.connectAt))
			slog.Info("backend connection open", "session_id", s.id, "endpoint", c.cfg.Endpoint)
		},
		OnMessage: func(m transport.Message) {
			slog.Debug("backend message", "session_id", s.id, "bytes", len(m.Data))
		},
		OnClose: func(code websocket.StatusCode, reason string) {
			slog.Debug("backend connection closed", "session_id", s.id, "code", code, "reason", reason)
		},
		OnError: func(err error) {
			c.transportFailed(s, err)
		},
	}
}

// transportFailed ends session s as errored. Runs on a transport goroutine,
// so it must not close the transport itself; the next Start or Stop does.
func (c *Controller) transportFailed(s *session, err error) {
	ctx := context.Background()
	c.deps.Metrics.RecordTransportError(ctx, transportOp(err))

	c.mu.Lock()
	if c.sess != s || (c.state != StateStarting && c.state != StateStreaming) {
		c.mu.Unlock()
		slog.Debug("transport error after session ended", "session_id", s.id, "err", err)
		return
	}
	c.state = StateErrored
	c.lastErr = err
	c.active.Store(nil)
	wasStreaming := s.streaming
	s.streaming = false
	c.mu.Unlock()

	if wasStreaming {
		c.deps.Metrics.SessionsActive.Add(ctx, -1)
	}
	c.deps.Metrics.RecordSessionFailed(ctx, "transport")
	slog.Error("session ended by transport failure", "session_id", s.id, "err", err)

	if cerr := s.releaseCapture(); cerr != nil {
		slog.Warn("releasing capture after transport failure", "session_id", s.id, "err", cerr)
	}
}

// frameHandler returns the capture callback of session s. It never blocks.
func (c *Controller) frameHandler(s *session) audio.FrameCallback {
	ctx := context.Background()
	m := c.deps.Metrics
	return func(buf audio.Buffer) {
		if c.active.Load() != s {
			m.RecordFrameDropped(ctx, observe.DropNotStreaming)
			return
		}

		pcm, err := audio.Encode(buf)
		if err == nil {
			pcm, err = audio.ConformChannels(pcm, buf.Format.Channels, audio.WireChannels)
		}
		if err != nil {
			m.EncodeErrors.Add(ctx, 1)
			m.RecordFrameDropped(ctx, observe.DropEncode)
			s.encodeWarn.Do(func() {
				slog.Warn("dropping capture buffers that cannot be encoded", "session_id", s.id, "err", err)
			})
			return
		}

		if s.transport.SendAudio(pcm) {
			m.RecordFrameSent(ctx, len(pcm))
			return
		}
		reason := observe.DropBackpressure
		if s.transport.State() != transport.StateOpen {
			reason = observe.DropNotStreaming
		}
		m.RecordFrameDropped(ctx, reason)
	}
}

// releaseCapture unregisters the frame callback and closes the capture. Only
// the first call does anything.
func (s *session) releaseCapture() error {
	s.releaseCaptureMu.Lock()
	defer s.releaseCaptureMu.Unlock()
	if s.captureReleased || s.capture == nil {
		return nil
	}
	s.captureReleased = true
	if s.sub != 0 {
		s.capture.Unregister(s.sub)
	}
	if err := s.capture.Close(); err != nil {
		return fmt.Errorf("close capture: %w", err)
	}
	return nil
}

// closeTransport closes the session's transport with going-away once.
func (s *session) closeTransport() error {
	s.closeOnce.Do(func() {
		if s.transport == nil {
			return
		}
		if err := s.transport.Close(websocket.StatusGoingAway, "session stopped"); err != nil {
			s.closeErr = fmt.Errorf("close transport: %w", err)
		}
	})
	return s.closeErr
}

// release frees capture first, then transport. Both steps always run.
func (s *session) release() error {
	return errors.Join(s.releaseCapture(), s.closeTransport())
}

// transportOp maps a transport error to the "op" metric attribute.
func transportOp(err error) string {
	switch {
	case errors.Is(err, transport.ErrConnect):
		return "connect"
	case errors.Is(err, transport.ErrSend):
		return "send"
	case errors.Is(err, transport.ErrReceive):
		return "receive"
	default:
		return "other"
	}
}

package streaming_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/streaming"
	"github.com/MrWong99/earshot/pkg/audio"
	amock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/transport"
	tmock "github.com/MrWong99/earshot/pkg/transport/mock"
)

// ─── Harness ──────────────────────────────────────────────────────────────────

var monoInt16 = audio.StreamFormat{
	SampleRate:  48000,
	Channels:    1,
	BitDepth:    16,
	Interleaved: true,
	Encoding:    audio.EncodingInt16,
}

type harness struct {
	ctrl    *streaming.Controller
	lister  *amock.DeviceLister
	source  *amock.Source
	factory *tmock.Factory
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg streaming.Config) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		lister: &amock.DeviceLister{DevicesResult: []audio.Device{
			{ID: "uid-builtin", Name: "Built-in Mic"},
			{ID: "uid-mpsa", Name: "MicPlusSystemAudio"},
		}},
		source:  &amock.Source{NativeFormatResult: monoInt16},
		factory: &tmock.Factory{},
		reader:  reader,
	}

	var mu sync.Mutex
	n := 0
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://localhost:8080/ws"
	}
	h.ctrl = streaming.New(cfg, streaming.Deps{
		Devices: audio.NewCatalog(h.lister),
		Source:  h.source,
		NewTransport: func(endpoint string, hooks transport.Hooks) streaming.Transport {
			return h.factory.New(endpoint, hooks)
		},
		Metrics: metrics,
		NewSessionID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("session-%d", n)
		},
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// sum returns the int64 sum of name restricted to key=value (empty key: all points).
func (h *harness) sum(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			s, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range s.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func monoBuffer(samples ...int16) audio.Buffer {
	return audio.Buffer{Format: monoInt16, FrameLength: len(samples), Int16: samples}
}

func assertState(t *testing.T, c *streaming.Controller, want streaming.State) {
	t.Helper()
	if got := c.Status().State; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestStop_IdleIsNoop(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.stop(t)
	h.stop(t)
	assertState(t, h.ctrl, streaming.StateIdle)
	if len(h.source.OpenCalls) != 0 || h.factory.Count() != 0 {
		t.Error("Stop on an idle controller touched capture or transport")
	}
}

func TestStart_AnnouncesSessionAndStreams(t *testing.T) {
	h := newHarness(t, streaming.Config{PreferredDevice: "micplussystemaudio", FramesPerBuffer: 1024})
	h.start(t)

	st := h.ctrl.Status()
	if !st.Streaming || st.State != streaming.StateStreaming {
		t.Fatalf("status = %+v, want streaming", st)
	}
	if st.DeviceName != "MicPlusSystemAudio" {
		t.Errorf("device = %q, want MicPlusSystemAudio", st.DeviceName)
	}
	if st.SessionID != "session-1" {
		t.Errorf("session ID = %q, want session-1", st.SessionID)
	}

	open := h.source.OpenCalls[0]
	if open.Device == nil || open.Device.Name != "MicPlusSystemAudio" {
		t.Errorf("opened device = %+v, want MicPlusSystemAudio", open.Device)
	}
	if open.FramesPerBuffer != 1024 {
		t.Errorf("frames per buffer = %d, want 1024", open.FramesPerBuffer)
	}

	tr := h.factory.Last()
	if tr.Endpoint != "ws://localhost:8080/ws" {
		t.Errorf("endpoint = %q", tr.Endpoint)
	}
	ann := tr.Announcements[0]
	if ann.SessionID != "session-1" {
		t.Errorf("announced session = %q, want session-1", ann.SessionID)
	}
	if ann.Format.SampleRate != 48000 || ann.Format.Channels != 2 || ann.Format.Encoding != audio.EncodingInt16 || !ann.Format.Interleaved {
		t.Errorf("announced format = %s, want 48000Hz stereo int16 interleaved", ann.Format)
	}

	tr.Open()
	if !h.source.LastCapture().Emit(monoBuffer(1, -2)) {
		t.Fatal("capture not running after Start")
	}

	if tr.FrameCount() != 1 {
		t.Fatalf("frames sent = %d, want 1", tr.FrameCount())
	}
	// Mono is duplicated into both wire channels, little-endian.
	want := []byte{0x01, 0x00, 0x01, 0x00, 0xfe, 0xff, 0xfe, 0xff}
	if got := tr.Frames[0]; string(got) != string(want) {
		t.Errorf("frame = % x, want % x", got, want)
	}
	if got := h.sum(t, "earshot.frames.sent", "", ""); got != 1 {
		t.Errorf("frames.sent = %d, want 1", got)
	}
	if got := h.sum(t, "earshot.bytes.sent", "", ""); got != 8 {
		t.Errorf("bytes.sent = %d, want 8", got)
	}
	if got := h.sum(t, "earshot.sessions.active", "", ""); got != 1 {
		t.Errorf("sessions.active = %d, want 1", got)
	}
}

func TestStart_TwiceIsOneSession(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	h.start(t)

	if h.factory.Count() != 1 {
		t.Errorf("transports created = %d, want 1", h.factory.Count())
	}
	if len(h.source.OpenCalls) != 1 {
		t.Errorf("captures opened = %d, want 1", len(h.source.OpenCalls))
	}
	if got := h.sum(t, "earshot.sessions.started", "", ""); got != 1 {
		t.Errorf("sessions.started = %d, want 1", got)
	}
}

func TestStart_ConcurrentCallersShareOneSession(t *testing.T) {
	h := newHarness(t, streaming.Config{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.Start(context.Background())
		}()
	}
	wg.Wait()

	if h.factory.Count() != 1 {
		t.Errorf("transports created = %d, want 1", h.factory.Count())
	}
	assertState(t, h.ctrl, streaming.StateStreaming)
}

func TestStop_ReleasesCaptureThenTransport(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Open()
	capture := h.source.LastCapture()

	h.stop(t)

	assertState(t, h.ctrl, streaming.StateIdle)
	if capture.CallCountClose != 1 {
		t.Errorf("capture closed %d times, want 1", capture.CallCountClose)
	}
	if capture.Len() != 0 {
		t.Errorf("%d frame callbacks still registered", capture.Len())
	}
	if len(tr.CloseCalls) != 1 || tr.CloseCalls[0].Code != websocket.StatusGoingAway {
		t.Errorf("transport close calls = %+v, want one going-away", tr.CloseCalls)
	}
	if capture.Emit(monoBuffer(1)) {
		t.Error("capture still delivering after Stop")
	}
	if st := h.ctrl.Status(); st.Streaming || st.SessionID != "" {
		t.Errorf("status after stop = %+v", st)
	}
	if got := h.sum(t, "earshot.sessions.active", "", ""); got != 0 {
		t.Errorf("sessions.active = %d, want 0", got)
	}
}

func TestStop_ReleaseIsUnconditional(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	boom := errors.New("device vanished")
	h.source.OpenResult = &amock.Capture{FormatResult: monoInt16, CloseError: boom}
	h.start(t)
	tr := h.factory.Last()
	tr.Open()

	err := h.ctrl.Stop(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Stop err = %v, want %v", err, boom)
	}
	if len(tr.CloseCalls) != 1 {
		t.Errorf("transport not closed after capture close failed")
	}
	assertState(t, h.ctrl, streaming.StateIdle)
}

func TestStart_AfterStopIsFreshSession(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	h.stop(t)
	h.start(t)

	if got := h.ctrl.Status().SessionID; got != "session-2" {
		t.Errorf("session ID = %q, want session-2", got)
	}
	if h.factory.Count() != 2 {
		t.Errorf("transports created = %d, want 2", h.factory.Count())
	}
}

// ─── Frame path ───────────────────────────────────────────────────────────────

func TestFrames_DroppedUntilTransportOpen(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()

	h.source.LastCapture().Emit(monoBuffer(1, 2))
	if tr.FrameCount() != 0 {
		t.Errorf("frames sent while connecting = %d, want 0", tr.FrameCount())
	}
	if got := h.sum(t, "earshot.frames.dropped", "reason", observe.DropNotStreaming); got != 1 {
		t.Errorf("frames.dropped{not_streaming} = %d, want 1", got)
	}

	tr.Open()
	h.source.LastCapture().Emit(monoBuffer(1, 2))
	if tr.FrameCount() != 1 {
		t.Errorf("frames sent after open = %d, want 1", tr.FrameCount())
	}
}

func TestFrames_BackpressureDrops(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Open()
	tr.DropAudio = true

	h.source.LastCapture().Emit(monoBuffer(1, 2))
	if got := h.sum(t, "earshot.frames.dropped", "reason", observe.DropBackpressure); got != 1 {
		t.Errorf("frames.dropped{backpressure} = %d, want 1", got)
	}
	assertState(t, h.ctrl, streaming.StateStreaming)
}

func TestFrames_EncodeErrorKeepsSession(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Open()
	capture := h.source.LastCapture()

	// Four frames announced, two samples present.
	capture.Emit(audio.Buffer{Format: monoInt16, FrameLength: 4, Int16: []int16{1, 2}})
	if tr.FrameCount() != 0 {
		t.Fatal("malformed buffer was sent")
	}
	if got := h.sum(t, "earshot.encode.errors", "", ""); got != 1 {
		t.Errorf("encode.errors = %d, want 1", got)
	}

	capture.Emit(monoBuffer(3, 4))
	if tr.FrameCount() != 1 {
		t.Errorf("frames sent after a bad buffer = %d, want 1", tr.FrameCount())
	}
	assertState(t, h.ctrl, streaming.StateStreaming)
}

func TestFrames_FloatBuffersAreNeverSent(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Open()

	f32 := audio.StreamFormat{SampleRate: 48000, Channels: 1, BitDepth: 32, Interleaved: true, Encoding: audio.EncodingFloat32}
	h.source.LastCapture().Emit(audio.Buffer{Format: f32, FrameLength: 2, Float32: []float32{0.5, -0.5}})

	if tr.FrameCount() != 0 {
		t.Error("float32 samples reached the int16 wire")
	}
	if got := h.sum(t, "earshot.frames.dropped", "reason", observe.DropEncode); got != 1 {
		t.Errorf("frames.dropped{encode} = %d, want 1", got)
	}
}

func TestFrames_StereoPassThrough(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	stereo := monoInt16
	stereo.Channels = 2
	h.source.NativeFormatResult = stereo
	h.start(t)
	tr := h.factory.Last()
	tr.Open()

	h.source.LastCapture().Emit(audio.Buffer{Format: stereo, FrameLength: 1, Int16: []int16{0x0102, 0x0304}})
	if got, want := tr.Frames[0], []byte{0x02, 0x01, 0x04, 0x03}; string(got) != string(want) {
		t.Errorf("frame = % x, want % x", got, want)
	}
}

func TestFrames_SurroundConformedToStereo(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	quad := monoInt16
	quad.Channels = 4
	h.source.NativeFormatResult = quad
	h.start(t)
	tr := h.factory.Last()
	tr.Open()

	h.source.LastCapture().Emit(audio.Buffer{Format: quad, FrameLength: 1, Int16: []int16{1, 2, 3, 4}})
	if got, want := tr.Frames[0], []byte{1, 0, 2, 0}; string(got) != string(want) {
		t.Errorf("frame = % x, want % x", got, want)
	}
	if got := tr.Announcements[0].Format.Channels; got != 2 {
		t.Errorf("announced channels = %d, want 2", got)
	}
}

// ─── Formats and device resolution ────────────────────────────────────────────

func TestStart_FloatHardwareCapturesInt16(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.source.NativeFormatResult = audio.StreamFormat{
		SampleRate: 44100, Channels: 2, BitDepth: 32, Interleaved: true, Encoding: audio.EncodingFloat32,
	}
	h.start(t)

	requested := h.source.OpenCalls[0].Format
	if requested.Encoding != audio.EncodingInt16 || requested.BitDepth != 16 || requested.SampleRate != 44100 {
		t.Errorf("requested capture format = %s, want int16 at 44100Hz", requested)
	}
	if got := h.factory.Last().Announcements[0].Format.SampleRate; got != 44100 {
		t.Errorf("announced rate = %v, want 44100", got)
	}
}

func TestStart_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		setup         func(h *harness)
		wantErr       error
		wantTransport bool
	}{
		{
			name:    "native format query fails",
			setup:   func(h *harness) { h.source.NativeFormatError = boom },
			wantErr: boom,
		},
		{
			name: "unsupported format",
			setup: func(h *harness) {
				h.source.NativeFormatResult = audio.StreamFormat{SampleRate: 48000, Channels: 1, BitDepth: 24}
			},
			wantErr: audio.ErrUnsupportedFormat,
		},
		{
			name:    "open fails",
			setup:   func(h *harness) { h.source.OpenError = boom },
			wantErr: boom,
		},
		{
			name:          "connect fails",
			setup:         func(h *harness) { h.factory.ConnectError = boom },
			wantErr:       boom,
			wantTransport: true,
		},
		{
			name: "capture start fails",
			setup: func(h *harness) {
				h.source.OpenResult = &amock.Capture{FormatResult: monoInt16, StartError: boom}
			},
			wantErr:       boom,
			wantTransport: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, streaming.Config{})
			tt.setup(h)

			err := h.ctrl.Start(context.Background())
			if !errors.Is(err, streaming.ErrStartFailed) {
				t.Fatalf("err = %v, want ErrStartFailed", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want wrapped %v", err, tt.wantErr)
			}
			assertState(t, h.ctrl, streaming.StateIdle)

			if c := h.source.LastCapture(); c != nil {
				if c.CallCountClose != 1 {
					t.Errorf("capture closed %d times, want 1", c.CallCountClose)
				}
				if c.Len() != 0 {
					t.Errorf("%d callbacks left registered", c.Len())
				}
			}
			if got := h.factory.Count() > 0; got != tt.wantTransport {
				t.Fatalf("transport created = %v, want %v", got, tt.wantTransport)
			}
			if tr := h.factory.Last(); tr != nil && len(tr.CloseCalls) != 1 {
				t.Errorf("transport close calls = %d, want 1", len(tr.CloseCalls))
			}
			if got := h.sum(t, "earshot.sessions.failed", "stage", "start"); got != 1 {
				t.Errorf("sessions.failed{start} = %d, want 1", got)
			}
			if st := h.ctrl.Status(); st.LastError == "" {
				t.Error("status carries no last error")
			}
		})
	}
}

func TestStart_DeviceResolution(t *testing.T) {
	tests := []struct {
		name       string
		preferred  string
		listErr    error
		wantDevice string // "" means the default input (nil device)
		wantName   string
	}{
		{"exact match", "MicPlusSystemAudio", nil, "MicPlusSystemAudio", "MicPlusSystemAudio"},
		{"case and space", "  built-in mic ", nil, "Built-in Mic", "Built-in Mic"},
		{"not found falls back", "Studio Interface", nil, "", "default"},
		{"enumeration failure falls back", "Built-in Mic", errors.New("no coreaudio"), "", "default"},
		{"no preference", "", nil, "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, streaming.Config{PreferredDevice: tt.preferred})
			h.lister.DevicesError = tt.listErr
			h.start(t)

			dev := h.source.OpenCalls[0].Device
			switch {
			case tt.wantDevice == "" && dev != nil:
				t.Errorf("opened %q, want default input", dev.Name)
			case tt.wantDevice != "" && (dev == nil || dev.Name != tt.wantDevice):
				t.Errorf("opened %+v, want %q", dev, tt.wantDevice)
			}
			if got := h.ctrl.Status().DeviceName; got != tt.wantName {
				t.Errorf("status device = %q, want %q", got, tt.wantName)
			}
		})
	}
}

func TestSetPreferredDevice_AppliesToNextStart(t *testing.T) {
	h := newHarness(t, streaming.Config{PreferredDevice: "Built-in Mic"})
	h.start(t)
	h.ctrl.SetPreferredDevice("MicPlusSystemAudio")

	if got := h.ctrl.Status().DeviceName; got != "Built-in Mic" {
		t.Errorf("running session device = %q, want Built-in Mic", got)
	}

	h.stop(t)
	if got := h.ctrl.Status().DeviceName; got != "MicPlusSystemAudio" {
		t.Errorf("idle device = %q, want MicPlusSystemAudio", got)
	}
	h.start(t)
	if dev := h.source.OpenCalls[1].Device; dev == nil || dev.Name != "MicPlusSystemAudio" {
		t.Errorf("second session opened %+v, want MicPlusSystemAudio", dev)
	}
}

// ─── Transport failure ────────────────────────────────────────────────────────

func TestTransportError_EndsSessionAsErrored(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Open()
	capture := h.source.LastCapture()

	tr.Fail(fmt.Errorf("%w: connection reset", transport.ErrReceive))

	st := h.ctrl.Status()
	if st.State != streaming.StateErrored || st.Streaming {
		t.Fatalf("status = %+v, want errored and not streaming", st)
	}
	if !strings.Contains(st.LastError, "connection reset") {
		t.Errorf("last error = %q", st.LastError)
	}
	if capture.CallCountClose != 1 || capture.Len() != 0 {
		t.Errorf("capture not released: closes=%d callbacks=%d", capture.CallCountClose, capture.Len())
	}
	if capture.Emit(monoBuffer(1)) {
		t.Error("capture still delivering after transport failure")
	}
	if got := h.sum(t, "earshot.transport.errors", "op", "receive"); got != 1 {
		t.Errorf("transport.errors{receive} = %d, want 1", got)
	}
	if got := h.sum(t, "earshot.sessions.failed", "stage", "transport"); got != 1 {
		t.Errorf("sessions.failed{transport} = %d, want 1", got)
	}
	if got := h.sum(t, "earshot.sessions.active", "", ""); got != 0 {
		t.Errorf("sessions.active = %d, want 0", got)
	}
}

func TestTransportError_RestartUsesNewSession(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	first := h.factory.Last()
	first.Open()
	first.Fail(fmt.Errorf("%w: eof", transport.ErrReceive))

	h.start(t)

	assertState(t, h.ctrl, streaming.StateStreaming)
	if got := h.ctrl.Status().SessionID; got != "session-2" {
		t.Errorf("session ID = %q, want session-2", got)
	}
	if len(first.CloseCalls) != 1 {
		t.Errorf("failed transport close calls = %d, want 1", len(first.CloseCalls))
	}
	if h.factory.Count() != 2 {
		t.Errorf("transports created = %d, want 2", h.factory.Count())
	}
	if h.factory.Last() == first {
		t.Error("errored transport was reused")
	}
	if st := h.ctrl.Status(); st.LastError != "" {
		t.Errorf("last error not cleared after a successful start: %q", st.LastError)
	}
}

func TestTransportError_StopFromErrored(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	tr.Fail(fmt.Errorf("%w: refused", transport.ErrConnect))
	assertState(t, h.ctrl, streaming.StateErrored)

	h.stop(t)

	assertState(t, h.ctrl, streaming.StateIdle)
	if len(tr.CloseCalls) != 1 {
		t.Errorf("transport close calls = %d, want 1", len(tr.CloseCalls))
	}
	if got := h.sum(t, "earshot.transport.errors", "op", "connect"); got != 1 {
		t.Errorf("transport.errors{connect} = %d, want 1", got)
	}
}

func TestTransportError_AfterStopIsIgnored(t *testing.T) {
	h := newHarness(t, streaming.Config{})
	h.start(t)
	tr := h.factory.Last()
	h.stop(t)

	// A late failure of the old session must not disturb the controller.
	tr.Hooks.OnError(fmt.Errorf("%w: late", transport.ErrReceive))

	assertState(t, h.ctrl, streaming.StateIdle)
	h.start(t)
	tr2 := h.factory.Last()
	tr.Hooks.OnError(fmt.Errorf("%w: late", transport.ErrReceive))
	assertState(t, h.ctrl, streaming.StateStreaming)
	if len(tr2.CloseCalls) != 0 {
		t.Error("current transport closed by a stale failure")
	}
}

func TestStateString(t *testing.T) {
	tests := map[streaming.State]string{
		streaming.StateIdle:      "idle",
		streaming.StateStarting:  "starting",
		streaming.StateStreaming: "streaming",
		streaming.StateStopping:  "stopping",
		streaming.StateErrored:   "errored",
		streaming.State(42):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

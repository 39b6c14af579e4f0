// Package observe provides the observability primitives shared by earshot:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware for
// the control surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping by [InitProvider]. Tests should build their own
// [Metrics] with [NewMetrics] over a private [metric.MeterProvider] instead of
// using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Reasons a captured frame never reached the socket. Used as the "reason"
// attribute of [Metrics.FramesDropped].
const (
	DropNotStreaming = "not_streaming"
	DropBackpressure = "backpressure"
	DropEncode       = "encode"
)

// Metrics holds all OpenTelemetry instruments of the streaming pipeline.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// SessionsStarted counts sessions that reached the streaming state.
	SessionsStarted metric.Int64Counter

	// SessionsFailed counts sessions that failed to start or ended errored.
	// Use with attribute.String("stage", ...).
	SessionsFailed metric.Int64Counter

	// SessionsActive is 1 while a session is streaming.
	SessionsActive metric.Int64UpDownCounter

	// ConnectDuration tracks the time from dial to the open connection.
	ConnectDuration metric.Float64Histogram

	// --- Frames ---

	FramesSent metric.Int64Counter

	// FramesDropped counts frames that were captured but not sent. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	BytesSent metric.Int64Counter

	EncodeErrors metric.Int64Counter

	// TransportErrors counts transport failures. Use with
	// attribute.String("op", "connect"|"send"|"receive").
	TransportErrors metric.Int64Counter

	// --- HTTP control surface ---

	// HTTPRequestDuration tracks control request latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets are histogram boundaries (seconds) for WebSocket handshakes.
var connectBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.SessionsStarted, err = m.Int64Counter("earshot.sessions.started",
		metric.WithDescription("Streaming sessions that reached the streaming state."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFailed, err = m.Int64Counter("earshot.sessions.failed",
		metric.WithDescription("Streaming sessions that failed to start or ended errored, by stage."),
	); err != nil {
		return nil, err
	}
	if met.SessionsActive, err = m.Int64UpDownCounter("earshot.sessions.active",
		metric.WithDescription("Number of sessions currently streaming."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("earshot.connect.duration",
		metric.WithDescription("Time from dial to an open backend connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	// Frames.
	if met.FramesSent, err = m.Int64Counter("earshot.frames.sent",
		metric.WithDescription("Audio frames handed to the backend connection."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("earshot.frames.dropped",
		metric.WithDescription("Captured audio frames that were not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("earshot.bytes.sent",
		metric.WithDescription("PCM bytes handed to the backend connection."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EncodeErrors, err = m.Int64Counter("earshot.encode.errors",
		metric.WithDescription("Capture buffers that could not be encoded."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("earshot.transport.errors",
		metric.WithDescription("Backend connection failures by operation."),
	); err != nil {
		return nil, err
	}

	// HTTP.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("Control request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one frame of n bytes handed to the connection.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}

// RecordFrameDropped records one dropped frame with the given reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionFailed records a failed session at stage ("start", "transport").
func (m *Metrics) RecordSessionFailed(ctx context.Context, stage string) {
	m.SessionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTransportError records a transport failure for op.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordConnect records the handshake duration d.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds())
}

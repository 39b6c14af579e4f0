package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "streaming.Start")
		cid := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(cid) {
			t.Fatalf("correlation ID %q is not a 32-char hex trace ID", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_SessionAttributes(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "streaming.Start")
	span.SetAttributes(
		AttrSessionID.String("session-1"),
		AttrDevice.String("MicPlusSystemAudio"),
		AttrEndpoint.String("ws://localhost:8080/ws"),
	)
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "streaming.Start" {
		t.Errorf("span name = %q", got.Name)
	}
	if got.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", got.InstrumentationScope.Name, tracerName)
	}
	attrs := make(map[string]string)
	for _, kv := range got.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["earshot.session_id"] != "session-1" || attrs["earshot.device"] != "MicPlusSystemAudio" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "streaming.Stop")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "streaming.Start")
	EndSpan(failed, errors.New("dial refused"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v, want unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "dial refused" {
		t.Errorf("failed span status = %+v, want error \"dial refused\"", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span has no recorded error event")
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name     string
		withSpan bool
		want     []string
		absent   []string
	}{
		{name: "inside span", withSpan: true, want: []string{"trace_id=", "span_id=", "session_id=s1"}},
		{name: "no span", want: []string{"session_id=s1"}, absent: []string{"trace_id", "span_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useTracer(t)
			buf := captureLogs(t)

			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "streaming.Start")
				defer s.End()
				ctx = c
			}
			Logger(ctx).Info("streaming started", "session_id", "s1")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("log output should not contain %q: %s", a, out)
				}
			}
		})
	}
}

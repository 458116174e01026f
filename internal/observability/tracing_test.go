package observability

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func resetProvider(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
}

func TestInitTracingDisabled(t *testing.T) {
	resetProvider(t)
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, testLogger())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing produced a sampled span")
	}
	span.End()
}

func TestInitTracingExportsSpans(t *testing.T) {
	resetProvider(t)
	var buf bytes.Buffer
	cfg := TracingConfig{Enabled: true, SampleRatio: 1, Writer: &buf}

	shutdown, err := InitTracing(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "registry.build")
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown, testLogger())
	out := buf.String()
	if !strings.Contains(out, "registry.build") {
		t.Errorf("exported spans missing name: %q", out)
	}
	if !strings.Contains(out, "orrery") {
		t.Errorf("exported spans missing service name: %q", out)
	}
}

func TestInitTracingRejectsBadConfig(t *testing.T) {
	resetProvider(t)
	tests := []struct {
		name string
		cfg  TracingConfig
	}{
		{"ratio above one", TracingConfig{Enabled: true, SampleRatio: 1.5}},
		{"negative ratio", TracingConfig{Enabled: true, SampleRatio: -0.1}},
		{"unknown exporter", TracingConfig{Enabled: true, SampleRatio: 1, Exporter: "otlp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := InitTracing(context.Background(), tt.cfg, testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestShutdownWithTimeoutNil(t *testing.T) {
	ShutdownWithTimeout(context.Background(), nil, testLogger())
}

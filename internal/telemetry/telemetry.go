// Package telemetry wires the ambient observability stack: structured
// logging, Prometheus metrics, and opt-in OpenTelemetry tracing.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewLogger builds the root JSON logger. Component loggers are derived with
// logger.With("component", ...). debug widens the level; w defaults to
// stderr so stdout stays clean for conversation output.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Metrics holds the process-wide Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	TurnsTotal      *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	StreamDuration  *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	TransfersTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_turns_total",
			Help: "Completed turns by agent and outcome.",
		}, []string{"agent", "outcome"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_tool_invocations_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemble_stream_duration_seconds",
			Help:    "Provider stream duration by provider.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_tokens_total",
			Help: "Token usage by provider and direction.",
		}, []string{"provider", "direction"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_transfers_total",
			Help: "Agent transfers by source and target.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.TurnsTotal, m.ToolInvocations, m.StreamDuration, m.TokensTotal, m.TransfersTotal)
	return m
}

// InitTracing installs an OTLP/gRPC trace exporter when
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise it is a no-op. The returned
// shutdown func flushes spans.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

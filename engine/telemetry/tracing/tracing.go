// Package tracing wraps the OpenTelemetry tracer the engine uses for
// arbitration-round spans. Span export is the embedder's concern: the
// engine only starts and annotates spans; a deployment that wants them
// shipped installs its own SDK exporter on the provider.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/ember-engine/ember"

// Tracer produces spans for the engine's strategic path.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by a fresh SDK provider when enabled, or a
// no-op tracer otherwise. The SDK provider keeps span context (trace and
// span ids) flowing into logs and telemetry events even with no exporter
// installed.
func New(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)}
	}
	tp := sdktrace.NewTracerProvider()
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartRound opens the span wrapping one arbitration round.
func (t *Tracer) StartRound(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gorna.round", trace.WithAttributes(attribute.String("phase", phase)))
}

// AnnotateRound records the round's outcome on an open span.
func AnnotateRound(span trace.Span, stalled int, emergency bool, effectiveBudgetMs float64, allocations int) {
	span.SetAttributes(
		attribute.Int("stalled_count", stalled),
		attribute.Bool("emergency_stop", emergency),
		attribute.Float64("effective_budget_ms", effectiveBudgetMs),
		attribute.Int("allocations", allocations),
	)
}

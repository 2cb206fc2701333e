package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	noopLogger  struct{}
	noopTracer  struct{}
	noopSpan    struct{}
	noopMetrics struct{}
)

// NewNoopLogger returns a Logger that discards every message. Useful for
// tests and for components constructed without an explicit logger.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopTracer returns a Tracer that creates spans which record nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

// NewNoopMetrics returns a Metrics that discards every recording.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}

func (noopMetrics) IncCounter(string, float64, ...string)           {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string)    {}
func (noopMetrics) RecordGauge(string, float64, ...string)          {}

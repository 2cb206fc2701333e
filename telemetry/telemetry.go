// Package telemetry provides the logging and tracing seams used throughout
// okcvm. Every component that performs I/O (workspace resolution, tool
// dispatch, model calls) accepts a Logger and a Tracer rather than reaching
// for global loggers, so tests can substitute no-op implementations and
// production wiring can substitute clue/OTEL-backed ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured, leveled log messages. keyvals is an
	// alternating key/value list, following the convention used by
	// goa.design/clue/log.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Tracer starts spans around tool dispatch and model calls.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of an OTEL span used by the runtime.
	Span interface {
		End(opts ...trace.SpanEndOption)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Metrics records counters, timers, and gauges around tool dispatch.
	// tags is a flat key/value list, mirroring the teacher's
	// runtime/agents/telemetry.Metrics contract.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}
)

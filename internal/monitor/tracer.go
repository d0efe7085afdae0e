package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "secure-exec"

// Tracer wraps OpenTelemetry tracing. Spans go to the global TracerProvider,
// which is a no-op unless one was installed at startup.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil
// Tracer yields a non-recording span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, fmt.Sprintf("exec.%s", name),
		trace.WithAttributes(attrs...),
	)
}

var (
	AttrExecID   = attribute.Key("exec.id")
	AttrLanguage = attribute.Key("exec.language")
	AttrFilename = attribute.Key("exec.filename")
	AttrExitCode = attribute.Key("exec.exit_code")
	AttrOutcome  = attribute.Key("exec.outcome")
)

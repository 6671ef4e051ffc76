package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "pmd"
)

// OperationType names a traced process-manager operation.
type OperationType string

const (
	OpLaunch           OperationType = "launch"
	OpLaunchDependency OperationType = "launch_dependency"
	OpTerminate        OperationType = "terminate"
	OpCommit           OperationType = "commit_terminations"
	OpPrepareReboot    OperationType = "prepare_for_reboot"
	OpCleanup          OperationType = "cleanup"
)

// String returns the string representation of the operation type.
func (o OperationType) String() string {
	return string(o)
}

// ProcessOperation describes an operation being traced.
type ProcessOperation struct {
	Type    OperationType
	TitleID uint64
	PID     uint32
	Flags   uint32
	Extra   map[string]string
}

// TraceOperation starts a new span for a process-manager operation.
func TraceOperation(ctx context.Context, op *ProcessOperation) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("operation.type", string(op.Type)),
	}
	if op.TitleID != 0 {
		attrs = append(attrs, attribute.String("process.title_id", fmt.Sprintf("%016x", op.TitleID)))
	}
	if op.PID != 0 {
		attrs = append(attrs, attribute.Int64("process.pid", int64(op.PID)))
	}
	if op.Flags != 0 {
		attrs = append(attrs, attribute.String("launch.flags", fmt.Sprintf("0x%x", op.Flags)))
	}
	for k, v := range op.Extra {
		attrs = append(attrs, attribute.String("operation."+k, v))
	}

	return tracer.Start(ctx, op.Type.String(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordLaunched records the pid a launch produced.
func RecordLaunched(span trace.Span, pid uint32) {
	span.SetAttributes(attribute.Int64("process.pid", int64(pid)))
}

// RecordForced records how many processes a commit had to force-terminate.
func RecordForced(span trace.Span, n int) {
	span.AddEvent("forced_termination", trace.WithAttributes(attribute.Int("count", n)))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractSpanID extracts the span ID from a context.
func ExtractSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

package otel

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/pkg/types"
)

func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	sev := eventSeverity(ev)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventContext carries the trace_id and span_id fields of ev, when present,
// so the log processor can correlate the record with the operation span.
func eventContext(ctx context.Context, ev types.Event) context.Context {
	var cfg trace.SpanContextConfig
	tid, hasTrace := hexField(ev, "trace_id", len(cfg.TraceID))
	sid, hasSpan := hexField(ev, "span_id", len(cfg.SpanID))
	if !hasTrace && !hasSpan {
		return ctx
	}
	copy(cfg.TraceID[:], tid)
	copy(cfg.SpanID[:], sid)
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(cfg))
}

func eventBody(ev types.Event) string {
	body := ev.Type
	if ev.TitleID != 0 {
		body += ": " + program.FormatTitleID(ev.TitleID)
	}
	if ev.Result != 0 {
		body += fmt.Sprintf(" [0x%08X]", ev.Result)
	}
	return body
}

func eventSeverity(ev types.Event) otellog.Severity {
	switch {
	case ev.Result != 0:
		return otellog.SeverityError
	case ev.Type == types.EventProcessForced, ev.Type == types.EventRebootPrepared:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func eventAttributes(ev types.Event) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("pmd.event.type", ev.Type),
		otellog.String("pmd.event.category", events.Category(ev.Type)),
	}
	if ev.ID != "" {
		attrs = append(attrs, otellog.String("pmd.event.id", ev.ID))
	}
	if ev.PID != 0 {
		attrs = append(attrs, otellog.Int64("process.pid", int64(ev.PID)))
	}
	if ev.TitleID != 0 {
		attrs = append(attrs, otellog.String("pmd.title_id", program.FormatTitleID(ev.TitleID)))
	}
	if ev.Result != 0 {
		attrs = append(attrs, otellog.String("pmd.result", fmt.Sprintf("0x%08X", ev.Result)))
	}

	for _, key := range []string{"flags", "reason", "error", "notification", "refcount", "kept", "terminated", "status"} {
		v, ok := ev.Fields[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				attrs = append(attrs, otellog.String("pmd."+key, val))
			}
		case bool:
			attrs = append(attrs, otellog.Bool("pmd."+key, val))
		case int:
			attrs = append(attrs, otellog.Int("pmd."+key, val))
		case int64:
			attrs = append(attrs, otellog.Int64("pmd."+key, val))
		case uint32:
			attrs = append(attrs, otellog.Int64("pmd."+key, int64(val)))
		case float64:
			attrs = append(attrs, otellog.Float64("pmd."+key, val))
		}
	}
	return attrs
}

func hexField(ev types.Event, key string, size int) ([]byte, bool) {
	s, ok := ev.Fields[key].(string)
	if !ok || s == "" {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != size {
		return nil, false
	}
	return b, true
}

// BuildResource creates an OTEL Resource with the given service name and
// extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}

package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/pmd/pmd/pkg/types"
)

type memExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memExporter) Shutdown(context.Context) error   { return nil }
func (e *memExporter) ForceFlush(context.Context) error { return nil }

func (e *memExporter) all() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func newTestStore(t *testing.T, f Filter) (*Store, *memExporter) {
	t.Helper()
	exp := &memExporter{}
	s, err := New(context.Background(), Config{
		Exporter:     exp,
		Filter:       f,
		BatchTimeout: 10 * time.Millisecond,
		Resource:     BuildResource("pmd-test", nil),
	})
	require.NoError(t, err)
	return s, exp
}

func attrs(r sdklog.Record) map[string]string {
	out := map[string]string{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value.String()
		return true
	})
	return out
}

func TestAppendEventExportsRecord(t *testing.T) {
	s, exp := newTestStore(t, Filter{})
	ev := types.Event{
		ID:        "ev-1",
		Timestamp: time.Now().UTC(),
		Type:      types.EventLaunchFailed,
		TitleID:   0x0004000000030000,
		Result:    0xD8E05803,
		Fields: map[string]any{
			"flags":    "notify_on_termination",
			"trace_id": "0af7651916cd43dd8448eb211c80319c",
			"span_id":  "b7ad6b7169203331",
		},
	}
	require.NoError(t, s.AppendEvent(context.Background(), ev))
	require.NoError(t, s.Close())

	recs := exp.all()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, otellog.SeverityError, r.Severity())
	assert.Equal(t, "launch_failed: 0004000000030000 [0xD8E05803]", r.Body().AsString())
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", r.TraceID().String())

	a := attrs(r)
	assert.Equal(t, "ev-1", a["pmd.event.id"])
	assert.Equal(t, "lifecycle", a["pmd.event.category"])
	assert.Equal(t, "0xD8E05803", a["pmd.result"])
	assert.Equal(t, "notify_on_termination", a["pmd.flags"])
}

func TestAppendEventFiltered(t *testing.T) {
	s, exp := newTestStore(t, Filter{IncludeCategories: []string{"termination"}})
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, types.Event{Type: types.EventProcessLaunched}))
	require.NoError(t, s.AppendEvent(ctx, types.Event{Type: types.EventProcessForced, PID: 0x21}))
	require.NoError(t, s.Close())

	recs := exp.all()
	require.Len(t, recs, 1)
	assert.Equal(t, otellog.SeverityWarn, recs[0].Severity())
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name     string
		f        *Filter
		typ      string
		category string
		result   uint32
		want     bool
	}{
		{name: "nil filter", f: nil, typ: "process_exited", want: true},
		{name: "include glob", f: &Filter{IncludeTypes: []string{"process_*"}}, typ: "process_exited", want: true},
		{name: "include glob miss", f: &Filter{IncludeTypes: []string{"process_*"}}, typ: "launch_failed", want: false},
		{name: "exclude type", f: &Filter{ExcludeTypes: []string{"notification"}}, typ: "notification", want: false},
		{name: "exclude category", f: &Filter{ExcludeCategories: []string{"system"}}, typ: "cpu_time_changed", category: "system", want: false},
		{name: "failures only", f: &Filter{FailuresOnly: true}, typ: "process_launched", want: false},
		{name: "failures only hit", f: &Filter{FailuresOnly: true}, typ: "launch_failed", result: 0xC8A05BF0, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(tt.typ, tt.category, tt.result))
		})
	}
}

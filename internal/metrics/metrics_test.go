package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pmd/pmd/pkg/types"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler(opts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandlerExportsCounters(t *testing.T) {
	c := New()
	c.Observe(types.Event{Type: types.EventProcessLaunched})
	c.Observe(types.Event{Type: types.EventProcessLaunched})
	c.Observe(types.Event{Type: types.EventLaunchFailed, Result: 0xC8A05BF0})
	c.Observe(types.Event{Type: types.EventProcessForced})
	c.Observe(types.Event{Type: types.EventProcessExited})
	c.IncEvent("bar\n\"x\"")

	body := scrape(t, c, HandlerOptions{
		RegistryUsed:     func() int { return 3 },
		RegistryCapacity: func() int { return 64 },
		DroppedEvents:    func() int64 { return 2 },
	})

	assert.Contains(t, body, "pmd_up 1")
	assert.Contains(t, body, "pmd_events_total 6")
	assert.Contains(t, body, "pmd_launches_total 2")
	assert.Contains(t, body, "pmd_exits_total 1")
	assert.Contains(t, body, "pmd_forced_terminations_total 1")
	assert.Contains(t, body, `pmd_launch_failures_total{result="0xC8A05BF0"} 1`)
	assert.Contains(t, body, `pmd_events_by_type_total{type="process_launched"} 2`)
	assert.Contains(t, body, `pmd_events_by_type_total{type="bar\\n\\\"x\\\""} 1`)
	assert.Contains(t, body, "pmd_registry_records 3")
	assert.Contains(t, body, "pmd_registry_capacity 64")
	assert.Contains(t, body, "pmd_events_dropped_total 2")
	assert.NotContains(t, body, "pmd_event_subscribers")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Observe(types.Event{Type: types.EventProcessLaunched})
	c.IncJournalError()
}

type fakeEventStore struct {
	err   error
	count int
}

func (f *fakeEventStore) AppendEvent(context.Context, types.Event) error {
	f.count++
	return f.err
}

func (f *fakeEventStore) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) Close() error { return nil }

func TestWrapEventStore(t *testing.T) {
	assert.Nil(t, WrapEventStore(nil, New()))

	inner := &fakeEventStore{}
	c := New()
	s := WrapEventStore(inner, c)
	assert.NoError(t, s.AppendEvent(context.Background(), types.Event{Type: types.EventProcessExited}))
	inner.err = errors.New("disk full")
	assert.Error(t, s.AppendEvent(context.Background(), types.Event{Type: types.EventProcessExited}))

	assert.Equal(t, 2, inner.count)
	body := scrape(t, c, HandlerOptions{})
	assert.Contains(t, body, "pmd_exits_total 2")
	assert.Contains(t, body, "pmd_journal_errors_total 1")
}

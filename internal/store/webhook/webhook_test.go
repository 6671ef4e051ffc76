package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/pkg/types"
)

type collector struct {
	mu      sync.Mutex
	batches [][]types.Event
	headers []string
}

func (c *collector) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var batch []types.Event
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.headers = append(c.headers, r.Header.Get("X-Pmd-Node"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFlushesOnBatchSize(t *testing.T) {
	c := &collector{}
	srv := c.server(t)

	st, err := New(Options{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour, Headers: map[string]string{"X-Pmd-Node": "n1"}})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AppendEvent(ctx, types.Event{ID: "1", Type: types.EventProcessLaunched}))
	c.mu.Lock()
	assert.Empty(t, c.batches)
	c.mu.Unlock()
	require.NoError(t, st.AppendEvent(ctx, types.Event{ID: "2", Type: types.EventProcessExited}))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.batches, 1)
	assert.Len(t, c.batches[0], 2)
	assert.Equal(t, "n1", c.headers[0])
}

func TestTopicFilterAndCloseFlush(t *testing.T) {
	c := &collector{}
	srv := c.server(t)

	st, err := New(Options{URL: srv.URL, BatchSize: 10, FlushInterval: time.Hour, Topics: []string{events.CategoryTermination}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.AppendEvent(ctx, types.Event{ID: "1", Type: types.EventProcessLaunched}))
	require.NoError(t, st.AppendEvent(ctx, types.Event{ID: "2", Type: types.EventProcessForced}))
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendEvent(ctx, types.Event{ID: "3", Type: types.EventProcessForced}))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.batches, 1)
	require.Len(t, c.batches[0], 1)
	assert.Equal(t, "2", c.batches[0][0].ID)
}

func TestRejectsUnknownTopic(t *testing.T) {
	_, err := New(Options{URL: "http://localhost", Topics: []string{"bogus"}})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
}

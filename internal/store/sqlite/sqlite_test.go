package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/pkg/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	evs := []types.Event{
		{ID: "e1", Timestamp: base, Type: types.EventProcessLaunched, PID: 0x21, TitleID: 0x0004013000001002},
		{ID: "e2", Timestamp: base.Add(time.Second), Type: types.EventLaunchFailed, TitleID: 0x0004000000030000, Result: 0xD8E05803},
		{ID: "e3", Timestamp: base.Add(2 * time.Second), Type: types.EventProcessExited, PID: 0x21, TitleID: 0x0004013000001002,
			Fields: map[string]any{"kept": false}},
	}
	for _, ev := range evs {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.QueryEvents(ctx, types.EventQuery{Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, uint32(0xD8E05803), got[1].Result)
	assert.Equal(t, false, got[2].Fields["kept"])

	pid := uint32(0x21)
	got, err = s.QueryEvents(ctx, types.EventQuery{PID: &pid})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].ID, "newest first by default")

	title := uint64(0x0004013000001003)
	got, err = s.QueryEvents(ctx, types.EventQuery{TitleID: &title, Types: []string{types.EventProcessLaunched}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestAppendRequiresID(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.AppendEvent(context.Background(), types.Event{Type: types.EventProcessExited}))
}

func TestPrune(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "old", Timestamp: old, Type: types.EventProcessExited}))
	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "new", Type: types.EventProcessExited}))

	n, err := s.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.QueryEvents(ctx, types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

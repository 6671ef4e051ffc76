package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
)

func allocate(t *testing.T, r *Registry, pid kernel.PID, title uint64) Ref {
	t.Helper()
	var ref Ref
	r.Update(func(tx *Tx) {
		var rec *Record
		var err error
		ref, rec, err = tx.Allocate()
		require.NoError(t, err)
		rec.PID = pid
		rec.Handle = kernel.Handle(0x100 + pid)
		rec.TitleID = title
		rec.RefCount = 1
	})
	return ref
}

func pids(r *Registry) []kernel.PID {
	var out []kernel.PID
	for _, rec := range r.Snapshot() {
		out = append(out, rec.PID)
	}
	return out
}

func TestAllocateUntilExhausted(t *testing.T) {
	r := New(2)
	allocate(t, r, 1, 0x100)
	allocate(t, r, 2, 0x200)

	r.Update(func(tx *Tx) {
		_, rec, err := tx.Allocate()
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Nil(t, rec)
	})
	assert.Equal(t, 2, r.Len())
}

func TestEnumerationKeepsAllocationOrder(t *testing.T) {
	r := New(4)
	allocate(t, r, 1, 0x100)
	b := allocate(t, r, 2, 0x200)
	allocate(t, r, 3, 0x300)
	assert.Equal(t, []kernel.PID{1, 2, 3}, pids(r))

	r.Update(func(tx *Tx) { tx.Free(b) })
	allocate(t, r, 4, 0x400)
	assert.Equal(t, []kernel.PID{1, 3, 4}, pids(r))
}

func TestFreedSlotIsReusedAndOldRefGoesStale(t *testing.T) {
	r := New(1)
	old := allocate(t, r, 1, 0x100)
	r.Update(func(tx *Tx) { tx.Free(old) })

	fresh := allocate(t, r, 2, 0x200)
	assert.NotEqual(t, old, fresh)
	r.View(func(tx *Tx) {
		assert.Nil(t, tx.Get(old))
		require.NotNil(t, tx.Get(fresh))
		assert.Equal(t, kernel.PID(2), tx.Get(fresh).PID)
	})

	// Freeing a stale ref must not disturb the new occupant.
	r.Update(func(tx *Tx) { tx.Free(old) })
	assert.Equal(t, 1, r.Len())
}

func TestEachToleratesFreeingVisitedRecord(t *testing.T) {
	r := New(4)
	for pid := kernel.PID(1); pid <= 4; pid++ {
		allocate(t, r, pid, uint64(pid)<<8)
	}
	var visited []kernel.PID
	r.Update(func(tx *Tx) {
		tx.Each(func(ref Ref, rec *Record) bool {
			visited = append(visited, rec.PID)
			if rec.PID%2 == 0 {
				tx.Free(ref)
			}
			return true
		})
	})
	assert.Equal(t, []kernel.PID{1, 2, 3, 4}, visited)
	assert.Equal(t, []kernel.PID{1, 3}, pids(r))
}

func TestFinders(t *testing.T) {
	r := New(4)
	allocate(t, r, 7, 0x0004013000001502)
	dead := allocate(t, r, 8, 0x0004013000001702)
	r.Update(func(tx *Tx) { tx.Get(dead).Status = StatusTerminated })

	r.View(func(tx *Tx) {
		_, rec := tx.FindByPID(7)
		require.NotNil(t, rec)
		assert.Equal(t, uint64(0x0004013000001502), rec.TitleID)

		_, rec = tx.FindByHandle(0x108)
		require.NotNil(t, rec)
		assert.Equal(t, kernel.PID(8), rec.PID)

		_, rec = tx.FindByTitle(0x00040130000015FF)
		require.NotNil(t, rec, "variant byte must be ignored")

		_, rec = tx.FindByTitle(0x0004013000001700)
		assert.NotNil(t, rec)
		_, rec = tx.FindLiveByTitle(0x0004013000001700)
		assert.Nil(t, rec)

		_, rec = tx.FindByPID(99)
		assert.Nil(t, rec)
	})
}

func TestViewRejectsMutation(t *testing.T) {
	r := New(1)
	assert.Panics(t, func() {
		r.View(func(tx *Tx) { _, _, _ = tx.Allocate() })
	})
}

func TestTxUnusableAfterCallback(t *testing.T) {
	r := New(1)
	var leaked *Tx
	r.Update(func(tx *Tx) { leaked = tx })
	assert.Panics(t, func() { leaked.Len() })
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "dependencies_resolved|auto_loaded", (FlagAutoLoaded | FlagDependenciesResolved).String())
	assert.True(t, (FlagAutoLoaded | FlagKernelPreloaded).Has(FlagAutoLoaded))
}

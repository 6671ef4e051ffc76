package pm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

func TestCommitReturnsWhenListenerExitsInTime(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysA)
	f.k.SetBehavior(titleSysA, sim.Behavior{Listener: true, ExitOnTerminationRequest: true, ExitDelay: 20 * time.Millisecond})

	pid := f.launch(t, titleSysA, NotifyOnTermination.WithNotifyVariant(2))

	start := time.Now()
	require.NoError(t, f.m.TerminateTitle(context.Background(), titleSysA, 2*time.Second))
	assert.Less(t, time.Since(start), time.Second)

	p, _ := f.k.Process(pid)
	assert.Equal(t, sim.StateExited, p.State)
	assert.False(t, p.Forced)
	assert.Equal(t, []uint32{NotifyTerminationRequest}, p.Notifications)
	assert.Zero(t, f.sink.count(types.EventProcessForced))

	// The record stays until it is unregistered.
	rec := f.record(t, titleSysA)
	assert.Equal(t, registry.StatusTerminated, rec.Status)
	assert.True(t, rec.Flags.Has(registry.FlagTerminatedAfterNotification))
	assert.Eventually(t, func() bool {
		for _, id := range f.notes.broadcasts() {
			if id == NotifyProcessTerminated+2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.m.UnregisterProcess(context.Background(), titleSysA))
	assert.False(t, f.hasRecord(titleSysA))
	require.NoError(t, f.m.UnregisterProcess(context.Background(), titleSysA))
}

func TestCommitForcesTerminationAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysA)
	f.k.SetBehavior(titleSysA, sim.Behavior{Listener: true})

	pid := f.launch(t, titleSysA, NotifyOnTermination)

	start := time.Now()
	require.NoError(t, f.m.TerminateTitle(context.Background(), titleSysA, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	p, _ := f.k.Process(pid)
	assert.Equal(t, sim.StateExited, p.State)
	assert.True(t, p.Forced)
	assert.Equal(t, 1, f.sink.count(types.EventProcessForced))
	assert.Equal(t, registry.StatusTerminated, f.record(t, titleSysA).Status)
}

func TestUnreachableListenerIsForcedImmediately(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysA)

	pid := f.launch(t, titleSysA, NotifyOnTermination)
	require.NoError(t, f.m.TerminateProcess(context.Background(), pid, time.Hour))

	p, _ := f.k.Process(pid)
	assert.True(t, p.Forced)
	assert.Empty(t, p.Notifications)
}

// closedNotifier fails every targeted delivery with a transport error.
type closedNotifier struct {
	*fakeNotifier
	err error
}

func (n closedNotifier) PublishToProcess(uint32, kernel.Handle) error { return n.err }

func TestNotificationTransportErrorTerminatesDirectly(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Notifier = closedNotifier{fakeNotifier: &fakeNotifier{}, err: errors.New("srv: session closed")}
	})
	f.loader.sysmodule(titleSysA)
	f.k.SetBehavior(titleSysA, sim.Behavior{Listener: true})

	pid := f.launch(t, titleSysA, NotifyOnTermination)
	start := time.Now()
	require.NoError(t, f.m.TerminateProcess(context.Background(), pid, time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	p, _ := f.k.Process(pid)
	assert.True(t, p.Forced)
	assert.Empty(t, p.Notifications)
	assert.Equal(t, 1, f.sink.count(types.EventProcessForced))
	assert.Zero(t, f.sink.count(types.EventTerminationSent))
	assert.Eventually(t, func() bool {
		return f.record(t, titleSysA).Status == registry.StatusTerminated
	}, time.Second, 5*time.Millisecond)
}

func TestTerminateWithoutNotificationFlag(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysA)
	f.k.SetBehavior(titleSysA, sim.Behavior{Listener: true})

	pid := f.launch(t, titleSysA, 0)
	require.NoError(t, f.m.TerminateTitle(context.Background(), titleSysA, 0))

	p, _ := f.k.Process(pid)
	assert.True(t, p.Forced)
	assert.Empty(t, p.Notifications)
	f.waitGone(t, titleSysA)
}

func TestTerminateUnknownTitle(t *testing.T) {
	f := newFixture(t)
	err := f.m.TerminateTitle(context.Background(), titleSysA, 0)
	assert.ErrorIs(t, err, result.ErrProcessNotFound)
	err = f.m.TerminateProcess(context.Background(), 0x999, 0)
	assert.ErrorIs(t, err, result.ErrProcessNotFound)
	assert.NoError(t, f.m.TerminateApplication(context.Background(), 0))
}

func TestTerminateApplication(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysB)
	f.loader.add(appMetadata(titleApp, 0, titleSysB))

	pid, err := f.m.LaunchApp(context.Background(), nand(titleApp), 0)
	require.NoError(t, err)
	require.True(t, f.hasRecord(titleSysB))

	require.NoError(t, f.m.TerminateApplication(context.Background(), 0))
	p, _ := f.k.Process(pid)
	assert.Equal(t, sim.StateExited, p.State)

	// The application's dependencies go with it.
	f.waitGone(t, titleApp, titleSysB)
	_, ok := f.m.ForegroundApplication()
	assert.False(t, ok)
}

func TestPrepareForReboot(t *testing.T) {
	f := newFixture(t)
	preloaded, _ := f.k.AddPreloaded(titleSysD, "fs")
	require.NoError(t, f.m.RegisterPreloaded())
	f.loader.sysmodule(titleSysA)
	f.loader.sysmodule(titleSysB)
	f.k.SetBehavior(titleSysB, sim.Behavior{Listener: true, ExitOnTerminationRequest: true})

	caller := f.launch(t, titleSysA, 0)
	other := f.launch(t, titleSysB, NotifyOnTermination)

	require.NoError(t, f.m.PrepareForReboot(context.Background(), caller, time.Second))
	assert.True(t, f.m.PreparingForReboot())

	p, _ := f.k.Process(other)
	assert.Equal(t, sim.StateExited, p.State)
	assert.False(t, p.Forced)
	for _, pid := range []kernel.PID{caller, preloaded} {
		p, _ := f.k.Process(pid)
		assert.Equal(t, sim.StateRunning, p.State, "pid %d", pid)
	}

	_, err := f.m.LaunchTitle(context.Background(), nand(titleSysB), 0)
	assert.ErrorIs(t, err, result.ErrPreparingForReboot)
	_, _, err = f.m.GetProgramFlags(nand(titleSysB))
	assert.ErrorIs(t, err, result.ErrPreparingForReboot)
	assert.Equal(t, 1, f.sink.count(types.EventRebootPrepared))
}

func TestListProcesses(t *testing.T) {
	f := newFixture(t)
	f.loader.sysmodule(titleSysB)
	f.loader.add(appMetadata(titleApp, 0, titleSysB))

	appPID, err := f.m.LaunchApp(context.Background(), nand(titleApp), 0)
	require.NoError(t, err)

	procs := f.m.ListProcesses()
	require.Len(t, procs, 2)
	assert.Equal(t, uint32(appPID), procs[0].PID)
	assert.True(t, procs[0].Foreground)
	assert.Contains(t, procs[0].Flags, "dependencies_resolved")
	assert.Equal(t, "running", procs[1].Status)
	assert.Contains(t, procs[1].Flags, "auto_loaded")
}

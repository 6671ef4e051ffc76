package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

func TestExecuteLaunchAppAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.app.Execute(ctx, "launch_app", map[string]any{"title_id": "0004000000030000"})
	require.NoError(t, err)
	pid := out["pid"].(uint32)
	assert.False(t, out["async"].(bool))

	p, ok := env.k.Process(kernel.PID(pid))
	require.True(t, ok)
	assert.Equal(t, sim.StateRunning, p.State)

	out, err = env.app.Execute(ctx, "list_processes", nil)
	require.NoError(t, err)
	procs := out["processes"].([]processView)
	require.Len(t, procs, 2)
	assert.Equal(t, "0004000000030000", procs[0].TitleID)
	assert.True(t, procs[0].Foreground)
	assert.Equal(t, "0004013000001002", procs[1].TitleID)

	out, err = env.app.Execute(ctx, "foreground", nil)
	require.NoError(t, err)
	assert.True(t, out["running"].(bool))
	assert.Equal(t, pid, out["process"].(processView).PID)

	out, err = env.app.Execute(ctx, "get_app_cpu_time_limit", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(25), out["value"])
	assert.Equal(t, uint8(25), out["max"])
}

func TestExecuteLaunchTitleIsAsyncForApplications(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.app.Execute(context.Background(), "launch_title", map[string]any{
		"title_id": "0x0004000000030000",
		"flags":    []any{"normal_application"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(pm.PIDUnknown), out["pid"])
	assert.True(t, out["async"].(bool))

	require.Eventually(t, func() bool {
		_, ok := env.mgr.ForegroundApplication()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecuteTerminateAndUnregister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.app.Execute(ctx, "launch_title", map[string]any{"title_id": float64(titleFS)})
	require.NoError(t, err)
	pid := out["pid"].(uint32)

	_, err = env.app.Execute(ctx, "terminate_process", map[string]any{"pid": float64(pid), "timeout_ms": float64(10)})
	require.NoError(t, err)
	p, _ := env.k.Process(kernel.PID(pid))
	assert.Equal(t, sim.StateExited, p.State)

	_, err = env.app.Execute(ctx, "terminate_title", map[string]any{"title_id": "0004013000001002"})
	assert.ErrorIs(t, err, result.ErrProcessNotFound)

	_, err = env.app.Execute(ctx, "unregister_process", map[string]any{"title_id": "0004013000001002"})
	require.NoError(t, err)
}

func TestExecuteGetProgramFlags(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.app.Execute(context.Background(), "get_program_flags", map[string]any{"title_id": "0004013000001002", "media": "nand"})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), out["flags"])
	assert.Equal(t, []string{"compressed_code"}, out["flag_names"])
	assert.Empty(t, env.k.Processes())
}

func TestExecuteRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		command string
		args    map[string]any
	}{
		{name: "unknown command", command: "format_nand"},
		{name: "missing title", command: "launch_title", args: map[string]any{}},
		{name: "bad title", command: "launch_title", args: map[string]any{"title_id": "xyz"}},
		{name: "bad media", command: "launch_title", args: map[string]any{"title_id": "1", "media": "tape"}},
		{name: "bad flag", command: "launch_title", args: map[string]any{"title_id": "1", "flags": "sometimes"}},
		{name: "negative pid", command: "terminate_process", args: map[string]any{"pid": float64(-1)}},
		{name: "fractional timeout", command: "terminate_application", args: map[string]any{"timeout_ms": 1.5}},
		{name: "variant too large", command: "launch_title", args: map[string]any{"title_id": "1", "notify_variant": float64(16)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.app.Execute(ctx, tt.command, tt.args)
			assert.ErrorIs(t, err, result.ErrInvalidCommand)
		})
	}
}

func TestExecuteQueryEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.app.Execute(ctx, "launch_title", map[string]any{"title_id": "0004013000001002"})
	require.NoError(t, err)

	out, err := env.app.Execute(ctx, "query_events", map[string]any{
		"types": "process_launched",
		"order": "asc",
	})
	require.NoError(t, err)
	evs := out["events"].([]eventView)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventProcessLaunched, evs[0].Type)
	assert.Equal(t, "0004013000001002", evs[0].TitleID)

	noJournal := NewApp(env.mgr, nil)
	_, err = noJournal.Execute(ctx, "query_events", nil)
	assert.ErrorIs(t, err, errNoJournal)
}

func TestFlagsArg(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want pm.LaunchFlags
	}{
		{name: "absent", args: map[string]any{}, want: 0},
		{name: "number", args: map[string]any{"flags": float64(5)}, want: pm.NormalApplication | pm.NotifyOnTermination},
		{name: "string", args: map[string]any{"flags": "notify_on_termination|load_dependencies"}, want: pm.NotifyOnTermination | pm.LoadDependencies},
		{name: "list with variant", args: map[string]any{"flags": []any{"notify_on_termination"}, "notify_variant": float64(2)}, want: pm.NotifyOnTermination.WithNotifyVariant(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := flagsArg(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventQueryArg(t *testing.T) {
	q, err := eventQueryArg(map[string]any{
		"types":    []any{"process_exited", "launch_failed"},
		"pid":      "0x20",
		"title_id": "0004013000001002",
		"since":    "2026-01-02T03:04:05Z",
		"limit":    float64(10),
		"offset":   float64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"process_exited", "launch_failed"}, q.Types)
	require.NotNil(t, q.PID)
	assert.Equal(t, uint32(0x20), *q.PID)
	require.NotNil(t, q.TitleID)
	assert.Equal(t, titleFS, *q.TitleID)
	require.NotNil(t, q.Since)
	assert.Equal(t, 2026, q.Since.Year())
	assert.Nil(t, q.Until)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 5, q.Offset)
	assert.False(t, q.Asc)

	_, err = eventQueryArg(map[string]any{"until": "yesterday"})
	assert.ErrorIs(t, err, result.ErrInvalidCommand)
}

func TestCommandsByService(t *testing.T) {
	dbg := Commands(ServiceDebug)
	assert.Contains(t, dbg, "launch_app_debug")
	assert.Contains(t, dbg, "run_queued_process")
	assert.NotContains(t, dbg, "terminate_title")
	assert.Contains(t, Commands(ServiceApp), "terminate_title")
	assert.Len(t, Commands(""), len(commands))
}

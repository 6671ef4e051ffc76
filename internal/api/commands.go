package api

import (
	"context"
	"sort"
	"time"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/pkg/types"
)

// Dispatcher service names.
const (
	ServiceApp   = "pm:app"
	ServiceDebug = "pm:dbg"
)

type commandFunc func(ctx context.Context, a *App, args map[string]any) (map[string]any, error)

type command struct {
	name string
	// method is the gRPC method name.
	method   string
	services []string
	run      commandFunc
}

var commands = []command{
	{name: "launch_title", method: "LaunchTitle", services: []string{ServiceApp}, run: runLaunchTitle},
	{name: "launch_title_update", method: "LaunchTitleUpdate", services: []string{ServiceApp}, run: runLaunchTitleUpdate},
	{name: "launch_app", method: "LaunchApp", services: []string{ServiceDebug}, run: runLaunchApp},
	{name: "launch_app_debug", method: "LaunchAppDebug", services: []string{ServiceDebug}, run: runLaunchAppDebug},
	{name: "run_queued_process", method: "RunQueuedProcess", services: []string{ServiceDebug}, run: runRunQueuedProcess},
	{name: "get_app_cpu_time_limit", method: "GetAppCPUTimeLimit", services: []string{ServiceApp}, run: runGetAppCPUTimeLimit},
	{name: "set_app_cpu_time_limit", method: "SetAppCPUTimeLimit", services: []string{ServiceApp}, run: runSetAppCPUTimeLimit},
	{name: "unregister_process", method: "UnregisterProcess", services: []string{ServiceApp}, run: runUnregisterProcess},
	{name: "terminate_application", method: "TerminateApplication", services: []string{ServiceApp}, run: runTerminateApplication},
	{name: "terminate_title", method: "TerminateTitle", services: []string{ServiceApp}, run: runTerminateTitle},
	{name: "terminate_process", method: "TerminateProcess", services: []string{ServiceApp}, run: runTerminateProcess},
	{name: "prepare_for_reboot", method: "PrepareForReboot", services: []string{ServiceApp}, run: runPrepareForReboot},
	{name: "get_program_flags", method: "GetProgramFlags", services: []string{ServiceApp}, run: runGetProgramFlags},
	{name: "list_processes", method: "ListProcesses", services: []string{ServiceApp, ServiceDebug}, run: runListProcesses},
	{name: "foreground", method: "Foreground", services: []string{ServiceApp, ServiceDebug}, run: runForeground},
	{name: "query_events", method: "QueryEvents", run: runQueryEvents},
}

var commandsByName = func() map[string]command {
	m := make(map[string]command, len(commands))
	for _, c := range commands {
		m[c.name] = c
	}
	return m
}()

// Commands lists the command names served on service, or every command when
// service is empty.
func Commands(service string) []string {
	var out []string
	for _, c := range commands {
		if service == "" || contains(c.services, service) {
			out = append(out, c.name)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func pidReply(pid kernel.PID) map[string]any {
	return map[string]any{"pid": uint32(pid), "async": pid == pm.PIDUnknown}
}

func launchArgs(args map[string]any) (program.Info, pm.LaunchFlags, error) {
	prog, err := programArg(args, "")
	if err != nil {
		return program.Info{}, 0, err
	}
	flags, err := flagsArg(args)
	if err != nil {
		return program.Info{}, 0, err
	}
	return prog, flags, nil
}

func runLaunchTitle(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	prog, flags, err := launchArgs(args)
	if err != nil {
		return nil, err
	}
	pid, err := a.mgr.LaunchTitle(ctx, prog, flags)
	if err != nil {
		return nil, err
	}
	return pidReply(pid), nil
}

func runLaunchTitleUpdate(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	prog, flags, err := launchArgs(args)
	if err != nil {
		return nil, err
	}
	update, err := programArg(args, "update_")
	if err != nil {
		return nil, err
	}
	pid, err := a.mgr.LaunchTitleUpdate(ctx, prog, update, flags)
	if err != nil {
		return nil, err
	}
	return pidReply(pid), nil
}

func runLaunchApp(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	prog, flags, err := launchArgs(args)
	if err != nil {
		return nil, err
	}
	pid, err := a.mgr.LaunchApp(ctx, prog, flags)
	if err != nil {
		return nil, err
	}
	return pidReply(pid), nil
}

func runLaunchAppDebug(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	prog, flags, err := launchArgs(args)
	if err != nil {
		return nil, err
	}
	pid, err := a.mgr.LaunchAppDebug(ctx, prog, flags)
	if err != nil {
		return nil, err
	}
	return pidReply(pid), nil
}

func runRunQueuedProcess(ctx context.Context, a *App, _ map[string]any) (map[string]any, error) {
	h, err := a.mgr.RunQueuedProcess(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"debug_handle": uint64(h)}, nil
}

func runGetAppCPUTimeLimit(_ context.Context, a *App, _ map[string]any) (map[string]any, error) {
	v, err := a.mgr.GetAppCPUTimeLimit()
	if err != nil {
		return nil, err
	}
	info, err := a.mgr.CPUTime()
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": v, "max": info.Max, "base": info.Base}, nil
}

func runSetAppCPUTimeLimit(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	v, err := uint32Arg(args, "value")
	if err != nil {
		return nil, err
	}
	if err := a.mgr.SetAppCPUTimeLimit(ctx, v); err != nil {
		return nil, err
	}
	return map[string]any{"value": v}, nil
}

func runUnregisterProcess(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	id, err := titleArg(args, "title_id")
	if err != nil {
		return nil, err
	}
	return map[string]any{}, a.mgr.UnregisterProcess(ctx, id)
}

func runTerminateApplication(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	timeout, err := timeoutArg(args)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, a.mgr.TerminateApplication(ctx, timeout)
}

func runTerminateTitle(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	id, err := titleArg(args, "title_id")
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutArg(args)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, a.mgr.TerminateTitle(ctx, id, timeout)
}

func runTerminateProcess(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	pid, err := uint32Arg(args, "pid")
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutArg(args)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, a.mgr.TerminateProcess(ctx, kernel.PID(pid), timeout)
}

func runPrepareForReboot(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	var caller uint32
	if _, ok := args["caller_pid"]; ok {
		v, err := uint32Arg(args, "caller_pid")
		if err != nil {
			return nil, err
		}
		caller = v
	}
	timeout, err := timeoutArg(args)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, a.mgr.PrepareForReboot(ctx, kernel.PID(caller), timeout)
}

func runGetProgramFlags(_ context.Context, a *App, args map[string]any) (map[string]any, error) {
	prog, err := programArg(args, "")
	if err != nil {
		return nil, err
	}
	core, flags, err := a.mgr.GetProgramFlags(prog)
	if err != nil {
		return nil, err
	}
	var names []string
	if flags&program.FlagCompressedCode != 0 {
		names = append(names, "compressed_code")
	}
	if flags&program.FlagSDApplication != 0 {
		names = append(names, "sd_application")
	}
	return map[string]any{"core": core, "flags": uint8(flags), "flag_names": names}, nil
}

func runListProcesses(_ context.Context, a *App, _ map[string]any) (map[string]any, error) {
	procs := a.mgr.ListProcesses()
	out := make([]processView, 0, len(procs))
	for _, p := range procs {
		out = append(out, newProcessView(p))
	}
	return map[string]any{"processes": out}, nil
}

func runForeground(_ context.Context, a *App, _ map[string]any) (map[string]any, error) {
	info, ok := a.mgr.ForegroundApplication()
	if !ok {
		return map[string]any{"running": false}, nil
	}
	return map[string]any{"running": true, "process": newProcessView(info)}, nil
}

func runQueryEvents(ctx context.Context, a *App, args map[string]any) (map[string]any, error) {
	if a.journal == nil {
		return nil, errNoJournal
	}
	q, err := eventQueryArg(args)
	if err != nil {
		return nil, err
	}
	evs, err := a.journal.QueryEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]eventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, newEventView(ev))
	}
	return map[string]any{"events": out}, nil
}

// processView and eventView carry title ids as hex strings; struct payloads
// encode numbers as doubles.
type processView struct {
	PID           uint32    `json:"pid"`
	TitleID       string    `json:"title_id"`
	ProgramHandle uint64    `json:"program_handle,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
	Status        string    `json:"status"`
	RefCount      uint8     `json:"refcount"`
	Foreground    bool      `json:"foreground,omitempty"`
	DebugQueued   bool      `json:"debug_queued,omitempty"`
	Created       time.Time `json:"created"`
}

func newProcessView(p types.ProcessInfo) processView {
	return processView{
		PID:           p.PID,
		TitleID:       program.FormatTitleID(p.TitleID),
		ProgramHandle: p.ProgramHandle,
		Flags:         p.Flags,
		Status:        p.Status,
		RefCount:      p.RefCount,
		Foreground:    p.Foreground,
		DebugQueued:   p.DebugQueued,
		Created:       p.Created,
	}
}

type eventView struct {
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	PID       uint32         `json:"pid,omitempty"`
	TitleID   string         `json:"title_id,omitempty"`
	Result    string         `json:"result,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func newEventView(ev types.Event) eventView {
	v := eventView{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		PID:       ev.PID,
		Fields:    ev.Fields,
	}
	if ev.TitleID != 0 {
		v.TitleID = program.FormatTitleID(ev.TitleID)
	}
	if ev.Result != 0 {
		v.Result = formatResult(ev.Result)
	}
	return v
}

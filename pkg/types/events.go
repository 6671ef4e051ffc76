package types

import "time"

// Lifecycle event types.
const (
	EventProcessLaunched   = "process_launched"
	EventLaunchFailed      = "launch_failed"
	EventProcessExited     = "process_exited"
	EventTerminationSent   = "termination_requested"
	EventProcessForced     = "process_force_terminated"
	EventProcessReleased   = "process_released"
	EventDebugQueued       = "debug_queued"
	EventForegroundChanged = "foreground_changed"
	EventNotification      = "notification"
	EventCPUTimeChanged    = "cpu_time_changed"
	EventRebootPrepared    = "reboot_prepared"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	PID       uint32    `json:"pid,omitempty"`
	TitleID   uint64    `json:"title_id,omitempty"`
	// Result is the status code of a failed operation.
	Result uint32 `json:"result,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	Types   []string
	PID     *uint32
	TitleID *uint64
	Since   *time.Time
	Until   *time.Time

	Limit  int
	Offset int
	Asc    bool
}

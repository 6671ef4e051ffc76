package types

import "time"

// ProcessInfo is the externally visible view of one registry record.
type ProcessInfo struct {
	PID           uint32    `json:"pid"`
	TitleID       uint64    `json:"title_id"`
	ProgramHandle uint64    `json:"program_handle,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
	Status        string    `json:"status"`
	RefCount      uint8     `json:"refcount"`
	Foreground    bool      `json:"foreground,omitempty"`
	DebugQueued   bool      `json:"debug_queued,omitempty"`
	Created       time.Time `json:"created"`
}

// CPUTimeInfo reports the foreground application CPU-time configuration.
type CPUTimeInfo struct {
	Current uint32 `json:"current"`
	Max     uint8  `json:"max"`
	Base    uint8  `json:"base"`
}

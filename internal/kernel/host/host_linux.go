//go:build linux

package host

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Processes get their own group so signals reach their children too.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func requestStop(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func forceStop(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

func setPriority(pid int, priority int32) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, niceFor(priority))
}

// setAffinity pins pid to the host CPUs whose index matches a set bit of
// mask.
func setAffinity(pid int, mask uint8, numCores int) error {
	var set unix.CPUSet
	for i := 0; i < numCores; i++ {
		if mask&(1<<i) != 0 {
			set.Set(i)
		}
	}
	if set.Count() == 0 {
		return nil
	}
	return unix.SchedSetaffinity(pid, &set)
}

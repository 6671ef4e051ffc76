//go:build linux

package limits

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Group is one cgroup v2 directory.
type Group struct {
	Path string
}

func DetectCgroupV2() bool {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}

// CurrentCgroupDir returns the cgroup v2 directory for the current process (under /sys/fs/cgroup).
func CurrentCgroupDir() (string, error) {
	b, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	// v2 unified format: "0::/path"
	line := strings.TrimSpace(string(b))
	if line == "" {
		return "", fmt.Errorf("empty /proc/self/cgroup")
	}
	parts := strings.Split(line, ":")
	if len(parts) < 3 {
		return "", fmt.Errorf("unexpected /proc/self/cgroup: %q", line)
	}
	p := parts[len(parts)-1]
	if p == "" {
		p = "/"
	}
	return filepath.Join("/sys/fs/cgroup", strings.TrimPrefix(p, "/")), nil
}

// Create makes a child group named name under parentDir, or under the
// current process's group when parentDir is empty.
func Create(parentDir, name string) (*Group, error) {
	if !DetectCgroupV2() {
		return nil, fmt.Errorf("cgroup v2 not detected")
	}
	if parentDir == "" {
		cg, err := CurrentCgroupDir()
		if err != nil {
			return nil, fmt.Errorf("current cgroup: %w", err)
		}
		parentDir = cg
	}

	dir := filepath.Join(parentDir, sanitizeCgroupName(name))

	// Best-effort: enable controllers for children at the parent.
	_ = enableControllers(parentDir, []string{"cpu", "memory", "pids"})

	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("mkdir cgroup: %w", err)
	}
	return &Group{Path: dir}, nil
}

// Set writes lim to the group's controller files. Zero fields reset the
// controller to "max".
func (g *Group) Set(lim Limits) error {
	mem := "max"
	if lim.MemoryMaxBytes > 0 {
		mem = strconv.FormatInt(lim.MemoryMaxBytes, 10)
	}
	if err := g.write("memory.max", mem); err != nil {
		return fmt.Errorf("set memory.max: %w", err)
	}
	pids := "max"
	if lim.PidsMax > 0 {
		pids = strconv.Itoa(lim.PidsMax)
	}
	if err := g.write("pids.max", pids); err != nil {
		return fmt.Errorf("set pids.max: %w", err)
	}
	cpu := "max 100000"
	if lim.CPUQuotaPct > 0 {
		q, p := cpuMaxFromPct(lim.CPUQuotaPct)
		cpu = fmt.Sprintf("%d %d", q, p)
	}
	if err := g.write("cpu.max", cpu); err != nil {
		return fmt.Errorf("set cpu.max: %w", err)
	}
	return nil
}

// Attach moves pid into the group.
func (g *Group) Attach(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := g.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("attach pid: %w", err)
	}
	return nil
}

func (g *Group) write(file, value string) error {
	return os.WriteFile(filepath.Join(g.Path, file), []byte(value), 0o644)
}

// Close removes the group once it has no members left.
func (g *Group) Close(ctx context.Context) error {
	if g == nil || g.Path == "" {
		return nil
	}
	// Wait briefly for the cgroup to become unpopulated before removing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := cgroupUnpopulated(g.Path); ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	if err := os.Remove(g.Path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

func enableControllers(parentDir string, ctrls []string) error {
	path := filepath.Join(parentDir, "cgroup.subtree_control")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, c := range ctrls {
		if _, err := f.WriteString("+" + c); err != nil {
			// Ignore EBUSY etc; best effort.
			continue
		}
	}
	return nil
}

func cgroupUnpopulated(dir string) (bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, "cgroup.events"))
	if err != nil {
		return false, err
	}
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "populated ") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "populated "))
			return v == "0", nil
		}
	}
	return false, nil
}

//go:build linux

package limits

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestCgroupV2_CreatesAndCleansUp(t *testing.T) {
	if !DetectCgroupV2() {
		t.Skip("cgroup v2 not available")
	}

	// Start a short-lived process and attach it to a new cgroup.
	cmd := exec.Command("sleep", "0.2")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	defer func() { _ = cmd.Process.Kill() }()

	g, err := Create("", "pmd-test-"+strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Skipf("cannot create cgroup in this environment: %v", err)
	}
	if !strings.HasPrefix(g.Path, "/sys/fs/cgroup") {
		t.Fatalf("unexpected cgroup path: %q", g.Path)
	}
	if err := g.Set(Limits{PidsMax: 100}); err != nil {
		t.Skipf("cannot write cgroup limits in this environment: %v", err)
	}
	if err := g.Attach(cmd.Process.Pid); err != nil {
		t.Skipf("cannot attach to cgroup in this environment: %v", err)
	}

	_ = cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close cgroup: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/pmd/pmd/internal/cli"
)

// Set by -ldflags at release time.
var (
	version = ""
	commit  = ""
)

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = moduleVersion()
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

// moduleVersion reports the version go install recorded, or "dev" for a
// local build.
func moduleVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}

func main() {
	err := cli.NewRoot(versionString()).ExecuteContext(context.Background())
	if err == nil {
		return
	}
	var ee *cli.ExitError
	if errors.As(err, &ee) {
		if msg := ee.Message(); msg != "" {
			fmt.Fprintln(os.Stderr, "pmd:", msg)
		}
		os.Exit(ee.Code())
	}
	fmt.Fprintln(os.Stderr, "pmd:", err)
	os.Exit(cli.ExitFailure)
}

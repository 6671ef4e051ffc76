package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/program"
)

const sysmodules = `
programs:
  - title_id: "0004013000001002"
    name: fs
    core:
      core_version: 2
      priority: 0x20
      stack_size: 0x1000
      resource_limit_category: other
    services: ["srv:", "fs:*"]
  - title_id: "0004013000001102"
    name: cfg
    core:
      core_version: 2
      resource_limit_category: other
    dependencies: ["0004013000001002"]
    flags: [compressed_code]
`

const application = `
programs:
  - title_id: "0004000000030000"
    name: game
    media: sd
    core:
      core_version: 2
      cpu_time: 25
    dependencies: ["0004013000001102"]
    path: /opt/game/bin/game
    args: ["--fullscreen"]
`

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newCatalog(t *testing.T) (*Catalog, *sim.Kernel, string) {
	t.Helper()
	dir := t.TempDir()
	writeManifest(t, dir, "sysmodules.yaml", sysmodules)
	writeManifest(t, dir, "apps.yml", application)
	writeManifest(t, dir, "README.txt", "ignored")
	k := sim.New(kernel.SystemInfo{CoreVersion: 2})
	c := New(k, dir)
	require.NoError(t, c.Reload())
	return c, k, dir
}

func TestReloadParsesManifests(t *testing.T) {
	c, _, _ := newCatalog(t)
	progs := c.Programs()
	require.Len(t, progs, 3)
	assert.Equal(t, "game", progs[0].Name)
	assert.Equal(t, uint8(25), progs[0].Core.CPUTime)
	assert.Equal(t, []uint64{0x0004013000001102}, progs[0].Dependencies)
	assert.Equal(t, program.CategoryOther, progs[1].Core.ResourceCategory)
	assert.Equal(t, int32(0x20), progs[1].Core.Priority)
	assert.Equal(t, program.FlagCompressedCode, progs[2].Flags)
}

func TestRegisterAndLoad(t *testing.T) {
	c, k, _ := newCatalog(t)

	_, err := c.RegisterProgram(program.Info{ProgramID: 0x0004000000030000}, program.Info{ProgramID: 0x0004000000030000})
	assert.ErrorIs(t, err, ErrProgramNotFound, "media must match")

	app := program.Info{ProgramID: 0x0004000000030000, Media: program.MediaSD}
	h, err := c.RegisterProgram(app, app)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Registered())

	md, err := c.ProgramMetadata(h)
	require.NoError(t, err)
	assert.Equal(t, "/opt/game/bin/game", md.Path)
	md.Services = append(md.Services, "mutated")
	again, err := c.ProgramMetadata(h)
	require.NoError(t, err)
	assert.NotContains(t, again.Services, "mutated")

	ph, err := c.LoadProcess(h)
	require.NoError(t, err)
	pid, err := k.ProcessID(ph)
	require.NoError(t, err)
	p, ok := k.Process(pid)
	require.True(t, ok)
	assert.Equal(t, "game", p.Name)

	require.NoError(t, c.UnregisterProgram(h))
	assert.ErrorIs(t, c.UnregisterProgram(h), ErrInvalidHandle)
	_, err = c.ProgramMetadata(h)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestRegisterKeepsVariantByte(t *testing.T) {
	c, _, _ := newCatalog(t)
	prog := program.Info{ProgramID: 0x0004013000001003}
	h, err := c.RegisterProgram(prog, prog)
	require.NoError(t, err)
	md, err := c.ProgramMetadata(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0004013000001003), md.TitleID)
	assert.Equal(t, "fs", md.Name)
}

func TestReloadErrorsKeepPreviousCatalog(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad yaml", body: "programs: [\n"},
		{name: "bad title", body: "programs:\n  - title_id: zz\n"},
		{name: "bad flag", body: "programs:\n  - title_id: \"0004013000002002\"\n    flags: [turbo]\n"},
		{name: "duplicate title", body: "programs:\n  - title_id: \"0004013000001002\"\n"},
		{name: "long service", body: "programs:\n  - title_id: \"0004013000002002\"\n    services: [\"much:too:long\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, dir := newCatalog(t)
			writeManifest(t, dir, "zz-broken.yaml", tt.body)
			assert.Error(t, c.Validate())
			assert.Error(t, c.Reload())
			assert.Len(t, c.Programs(), 3)
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	c, _, dir := newCatalog(t)
	reloaded := make(chan error, 4)
	w := NewWatcher(c, 20*time.Millisecond, func(err error) { reloaded <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.Error(t, w.Start(ctx))

	writeManifest(t, dir, "extra.yaml", "programs:\n  - title_id: \"0004013000002002\"\n    name: extra\n")

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	assert.Len(t, c.Programs(), 4)
	assert.GreaterOrEqual(t, w.Stats().ReloadsSuccess, int64(1))
}

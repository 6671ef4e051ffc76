package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pmd/pmd/internal/access"
	"github.com/pmd/pmd/internal/events"
	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/loader"
	"github.com/pmd/pmd/internal/notify"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/store/jsonl"
)

const (
	titleFS   uint64 = 0x0004013000001002
	titleGame uint64 = 0x0004000000030000
)

const testManifests = `
programs:
  - title_id: "0004013000001002"
    name: fs
    core:
      core_version: 2
      priority: 0x20
      stack_size: 0x1000
      affinity_mask: 1
      resource_limit_category: other
    services: ["fs:USER"]
    flags: [compressed_code]
  - title_id: "0004000000030000"
    name: game
    core:
      core_version: 2
      priority: 0x30
      stack_size: 0x4000
      affinity_mask: 1
      cpu_time: 25
    dependencies: ["0004013000001002"]
`

type testEnv struct {
	k      *sim.Kernel
	broker *events.Broker
	mgr    *pm.Manager
	app    *App
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "programs.yaml"), []byte(testManifests), 0o644))

	k := sim.New(kernel.SystemInfo{
		Variant:     kernel.VariantHighEnd,
		Firmware:    kernel.MakeVersion(11, 17, 0),
		CoreVersion: 2,
		AppMemAlloc: 0x7C00000,
		SysMemAlloc: 0x6400000,
		NumCores:    2,
	})
	catalog := loader.New(k, dir)
	require.NoError(t, catalog.Reload())

	journal, err := jsonl.New(filepath.Join(dir, "events.jsonl"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	broker := events.NewBroker()
	hub := notify.New(k, broker, notify.WithJournal(journal))
	mgr, err := pm.New(pm.Config{
		Kernel:             k,
		Loader:             catalog,
		Storage:            access.NewStorage(),
		Services:           access.NewServices(),
		Notifier:           hub,
		Events:             hub,
		TerminationTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, mgr.Close())
	})

	return &testEnv{
		k:      k,
		broker: broker,
		mgr:    mgr,
		app:    NewApp(mgr, broker, WithJournal(journal)),
	}
}

func (e *testEnv) dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() { _ = lis.Close() })
	gs := grpc.NewServer()
	RegisterGRPC(gs, e.app)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

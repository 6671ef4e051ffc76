package pm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/kernel/sim"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/registry"
	"github.com/pmd/pmd/internal/taskrunner"
	"github.com/pmd/pmd/pkg/types"
)

const testCoreVersion = 2

const (
	titleApp     uint64 = 0x0004000000030000
	titleSysA    uint64 = 0x0004013000001002
	titleSysB    uint64 = 0x0004013000001102
	titleSysC    uint64 = 0x0004013000001202
	titleSysD    uint64 = 0x0004013000001302
	titleMissing uint64 = 0x0004013000009902
)

var errUnknownTitle = errors.New("unknown title")

type fakeLoader struct {
	k *sim.Kernel

	mu       sync.Mutex
	titles   map[uint64]program.Metadata
	programs map[uint64]uint64
	next     uint64
}

func newFakeLoader(k *sim.Kernel) *fakeLoader {
	return &fakeLoader{k: k, titles: make(map[uint64]program.Metadata), programs: make(map[uint64]uint64)}
}

func (l *fakeLoader) add(md program.Metadata) {
	if md.Core.CoreVersion == 0 {
		md.Core.CoreVersion = testCoreVersion
	}
	if md.Core.StackSize == 0 {
		md.Core.StackSize = 0x1000
	}
	if md.Core.Priority == 0 {
		md.Core.Priority = 0x30
	}
	if md.Core.AffinityMask == 0 {
		md.Core.AffinityMask = 1
	}
	if md.Name == "" {
		md.Name = program.FormatTitleID(md.TitleID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.titles[program.Normalize(md.TitleID)] = md
}

func (l *fakeLoader) sysmodule(id uint64, deps ...uint64) {
	l.add(program.Metadata{
		TitleID:      id,
		Core:         program.CoreInfo{ResourceCategory: program.CategoryOther},
		Services:     []string{"fs:USER"},
		Dependencies: deps,
	})
}

func (l *fakeLoader) RegisterProgram(prog, update program.Info) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := program.Normalize(update.ProgramID)
	if _, ok := l.titles[id]; !ok {
		return 0, fmt.Errorf("title %016x: %w", update.ProgramID, errUnknownTitle)
	}
	l.next++
	l.programs[l.next] = id
	return l.next, nil
}

func (l *fakeLoader) ProgramMetadata(h uint64) (*program.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.programs[h]
	if !ok {
		return nil, fmt.Errorf("program handle %d: %w", h, errUnknownTitle)
	}
	md := l.titles[id]
	return md.Clone(), nil
}

func (l *fakeLoader) LoadProcess(h uint64) (kernel.Handle, error) {
	md, err := l.ProgramMetadata(h)
	if err != nil {
		return 0, err
	}
	return l.k.CreateProcess(kernel.ProcessImage{TitleID: md.TitleID, Name: md.Name})
}

func (l *fakeLoader) UnregisterProgram(h uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.programs[h]; !ok {
		return fmt.Errorf("program handle %d: %w", h, errUnknownTitle)
	}
	delete(l.programs, h)
	return nil
}

func (l *fakeLoader) registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.programs)
}

// fakeAccess serves as both the storage and the service registrar.
type fakeAccess struct {
	mu       sync.Mutex
	storage  map[kernel.PID]program.StorageInfo
	services map[kernel.PID][]string
	released []kernel.PID
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{storage: make(map[kernel.PID]program.StorageInfo), services: make(map[kernel.PID][]string)}
}

func (a *fakeAccess) Register(pid kernel.PID, _ uint64, _ program.Info, s program.StorageInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.storage[pid] = s
	return nil
}

func (a *fakeAccess) Unregister(pid kernel.PID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.storage, pid)
	return nil
}

func (a *fakeAccess) RegisterProcess(pid kernel.PID, services []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[pid] = append([]string(nil), services...)
	return nil
}

func (a *fakeAccess) UnregisterProcess(pid kernel.PID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.services, pid)
	a.released = append(a.released, pid)
	return nil
}

func (a *fakeAccess) servicesOf(pid kernel.PID) ([]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.services[pid]
	return s, ok
}

func (a *fakeAccess) releasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.released)
}

type fakeNotifier struct {
	mb kernel.Mailbox

	mu        sync.Mutex
	broadcast []uint32
}

func (n *fakeNotifier) PublishToProcess(id uint32, h kernel.Handle) error { return n.mb.Deliver(h, id) }

func (n *fakeNotifier) PublishToSubscribers(id uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, id)
}

func (n *fakeNotifier) broadcasts() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32(nil), n.broadcast...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordingSink) Emit(_ context.Context, ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	k      *sim.Kernel
	loader *fakeLoader
	access *fakeAccess
	notes  *fakeNotifier
	sink   *recordingSink
	m      *Manager
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	k := sim.New(kernel.SystemInfo{
		Variant:     kernel.VariantHighEnd,
		Firmware:    kernel.MakeVersion(11, 17, 0),
		CoreVersion: testCoreVersion,
		AppMemAlloc: 0x7C00000,
		SysMemAlloc: 0x6400000,
	})
	f := &fixture{
		k:      k,
		loader: newFakeLoader(k),
		access: newFakeAccess(),
		notes:  &fakeNotifier{mb: k},
		sink:   &recordingSink{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	tasks := taskrunner.New()
	tasks.Start(ctx)

	cfg := Config{
		Kernel:             k,
		Loader:             f.loader,
		Storage:            f.access,
		Services:           f.access,
		Notifier:           f.notes,
		Events:             f.sink,
		Tasks:              tasks,
		TerminationTimeout: time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	f.m = m

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		tasks.Stop()
		require.NoError(t, m.Close())
	})
	return f
}

func (f *fixture) record(t *testing.T, titleID uint64) registry.Record {
	t.Helper()
	var (
		rec   registry.Record
		found bool
	)
	f.m.reg.View(func(tx *registry.Tx) {
		if _, r := tx.FindByTitle(titleID); r != nil {
			rec, found = *r, true
		}
	})
	require.True(t, found, "no record for %016x", titleID)
	return rec
}

func (f *fixture) hasRecord(titleID uint64) bool {
	found := false
	f.m.reg.View(func(tx *registry.Tx) {
		_, r := tx.FindByTitle(titleID)
		found = r != nil
	})
	return found
}

func (f *fixture) waitGone(t *testing.T, titleIDs ...uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range titleIDs {
			if f.hasRecord(id) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) launch(t *testing.T, titleID uint64, flags LaunchFlags) kernel.PID {
	t.Helper()
	pid, err := f.m.LaunchTitle(context.Background(), program.Info{ProgramID: titleID, Media: program.MediaNAND}, flags)
	require.NoError(t, err)
	return pid
}

func nand(id uint64) program.Info { return program.Info{ProgramID: id, Media: program.MediaNAND} }

func appMetadata(id uint64, cpuTime uint8, deps ...uint64) program.Metadata {
	return program.Metadata{
		TitleID:      id,
		Core:         program.CoreInfo{ResourceCategory: program.CategoryApplication, CPUTime: cpuTime},
		Dependencies: deps,
	}
}

// Package access tracks which storage and which named services each process
// may use. The process manager grants access at launch and revokes it when
// the process is reaped.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

var (
	ErrAlreadyRegistered = errors.New("access: process already registered")
	ErrNotRegistered     = errors.New("access: process not registered")
)

// Grant is the storage a process was registered with.
type Grant struct {
	ProgramHandle uint64
	Program       program.Info
	Storage       program.StorageInfo
}

// Storage implements the storage registrar.
type Storage struct {
	mu     sync.RWMutex
	grants map[kernel.PID]Grant
	logger *slog.Logger
}

func NewStorage() *Storage {
	return &Storage{grants: make(map[kernel.PID]Grant), logger: slog.Default()}
}

func (s *Storage) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Storage) Register(pid kernel.PID, programHandle uint64, prog program.Info, storage program.StorageInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[pid]; ok {
		return fmt.Errorf("storage pid %d: %w", pid, ErrAlreadyRegistered)
	}
	s.grants[pid] = Grant{ProgramHandle: programHandle, Program: prog, Storage: storage}
	s.logger.Debug("access: storage registered", "pid", pid, "program", prog.String())
	return nil
}

func (s *Storage) Unregister(pid kernel.PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[pid]; !ok {
		return fmt.Errorf("storage pid %d: %w", pid, ErrNotRegistered)
	}
	delete(s.grants, pid)
	return nil
}

func (s *Storage) Lookup(pid kernel.PID) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[pid]
	return g, ok
}

// Services implements the service registrar. Access list entries are glob
// patterns, so "fs:*" grants every fs port.
type Services struct {
	mu      sync.RWMutex
	entries map[kernel.PID]serviceEntry
	logger  *slog.Logger
}

type serviceEntry struct {
	names []string
	globs []glob.Glob
}

func NewServices() *Services {
	return &Services{entries: make(map[kernel.PID]serviceEntry), logger: slog.Default()}
}

func (s *Services) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Services) RegisterProcess(pid kernel.PID, services []string) error {
	e := serviceEntry{names: append([]string(nil), services...)}
	for _, name := range services {
		g, err := glob.Compile(name)
		if err != nil {
			return fmt.Errorf("service pattern %q: %w", name, err)
		}
		e.globs = append(e.globs, g)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[pid]; ok {
		return fmt.Errorf("services pid %d: %w", pid, ErrAlreadyRegistered)
	}
	s.entries[pid] = e
	s.logger.Debug("access: services registered", "pid", pid, "count", len(services))
	return nil
}

func (s *Services) UnregisterProcess(pid kernel.PID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[pid]; !ok {
		return fmt.Errorf("services pid %d: %w", pid, ErrNotRegistered)
	}
	delete(s.entries, pid)
	return nil
}

// Allowed reports whether pid may connect to service.
func (s *Services) Allowed(pid kernel.PID, service string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.entries[pid].globs {
		if g.Match(service) {
			return true
		}
	}
	return false
}

// List returns the access list of pid, sorted.
func (s *Services) List(pid kernel.PID) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[pid]
	if !ok {
		return nil, false
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out, true
}

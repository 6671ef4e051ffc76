// Package loader serves program metadata from a directory of YAML manifests
// and creates processes for registered programs.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

var (
	ErrProgramNotFound = errors.New("loader: program not found")
	ErrInvalidHandle   = errors.New("loader: invalid program handle")
)

// Manifest is the on-disk form of a program description. Title ids are hex
// strings so YAML never reinterprets them.
type Manifest struct {
	TitleID      string              `yaml:"title_id"`
	Name         string              `yaml:"name"`
	Media        program.Media       `yaml:"media"`
	Core         program.CoreInfo    `yaml:"core"`
	Services     []string            `yaml:"services"`
	Storage      program.StorageInfo `yaml:"storage"`
	Dependencies []string            `yaml:"dependencies"`
	Flags        []string            `yaml:"flags"`
	Path         string              `yaml:"path"`
	Args         []string            `yaml:"args"`
	Env          []string            `yaml:"env"`
}

type manifestFile struct {
	Programs []Manifest `yaml:"programs"`
}

type entry struct {
	media  program.Media
	md     program.Metadata
	source string
}

// Catalog implements the process manager's Loader.
type Catalog struct {
	k      kernel.Kernel
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex
	titles     map[uint64]entry
	registered map[uint64]registration
	nextHandle uint64
}

type registration struct {
	prog program.Info
	md   *program.Metadata
}

func New(k kernel.Kernel, dir string) *Catalog {
	return &Catalog{
		k:          k,
		dir:        dir,
		logger:     slog.Default(),
		titles:     make(map[uint64]entry),
		registered: make(map[uint64]registration),
	}
}

func (c *Catalog) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Dir returns the manifest directory.
func (c *Catalog) Dir() string { return c.dir }

// Reload parses every manifest in the directory and replaces the catalog
// atomically. On error the previous contents stay in place.
func (c *Catalog) Reload() error {
	titles, err := c.parseDir()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.titles = titles
	c.mu.Unlock()
	c.logger.Info("loader: catalog loaded", "dir", c.dir, "programs", len(titles))
	return nil
}

// Validate parses the directory without applying it.
func (c *Catalog) Validate() error {
	_, err := c.parseDir()
	return err
}

func (c *Catalog) parseDir() (map[uint64]entry, error) {
	files, err := manifestFiles(c.dir)
	if err != nil {
		return nil, err
	}
	titles := make(map[uint64]entry)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		entries, err := parseManifests(data)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
		}
		for _, e := range entries {
			id := program.Normalize(e.md.TitleID)
			if prev, ok := titles[id]; ok {
				return nil, fmt.Errorf("title %016x defined in both %s and %s", e.md.TitleID, prev.source, filepath.Base(path))
			}
			e.source = filepath.Base(path)
			titles[id] = e
		}
	}
	return titles, nil
}

func manifestFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() && isManifest(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isManifest(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// parseManifests decodes a manifest document.
func parseManifests(data []byte) ([]entry, error) {
	var f manifestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make([]entry, 0, len(f.Programs))
	for i, m := range f.Programs {
		md, err := m.metadata()
		if err != nil {
			return nil, fmt.Errorf("programs[%d]: %w", i, err)
		}
		out = append(out, entry{media: m.Media, md: md})
	}
	return out, nil
}

func (m Manifest) metadata() (program.Metadata, error) {
	id, err := program.ParseTitleID(m.TitleID)
	if err != nil {
		return program.Metadata{}, fmt.Errorf("title_id: %w", err)
	}
	md := program.Metadata{
		TitleID:  id,
		Name:     m.Name,
		Core:     m.Core,
		Services: m.Services,
		Storage:  m.Storage,
		Path:     m.Path,
		Args:     m.Args,
		Env:      m.Env,
	}
	if md.Name == "" {
		md.Name = program.FormatTitleID(id)
	}
	for _, d := range m.Dependencies {
		dep, err := program.ParseTitleID(d)
		if err != nil {
			return program.Metadata{}, fmt.Errorf("dependency %q: %w", d, err)
		}
		md.Dependencies = append(md.Dependencies, dep)
	}
	for _, f := range m.Flags {
		switch strings.ToLower(f) {
		case "compressed_code":
			md.Flags |= program.FlagCompressedCode
		case "sd_application":
			md.Flags |= program.FlagSDApplication
		default:
			return program.Metadata{}, fmt.Errorf("unknown flag %q", f)
		}
	}
	if err := md.Validate(); err != nil {
		return program.Metadata{}, err
	}
	return md, nil
}

// RegisterProgram snapshots the metadata of update (the program itself when
// no update title is used) and returns a program handle.
func (c *Catalog) RegisterProgram(prog, update program.Info) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.titles[program.Normalize(update.ProgramID)]
	if !ok || e.media != update.Media {
		return 0, fmt.Errorf("%s: %w", update, ErrProgramNotFound)
	}
	md := e.md.Clone()
	// The variant byte of the requested title is kept.
	md.TitleID = prog.ProgramID
	c.nextHandle++
	c.registered[c.nextHandle] = registration{prog: prog, md: md}
	return c.nextHandle, nil
}

func (c *Catalog) ProgramMetadata(h uint64) (*program.Metadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.registered[h]
	if !ok {
		return nil, fmt.Errorf("program handle %d: %w", h, ErrInvalidHandle)
	}
	return r.md.Clone(), nil
}

func (c *Catalog) LoadProcess(h uint64) (kernel.Handle, error) {
	md, err := c.ProgramMetadata(h)
	if err != nil {
		return 0, err
	}
	return c.k.CreateProcess(kernel.ProcessImage{
		TitleID: md.TitleID,
		Name:    md.Name,
		Path:    md.Path,
		Args:    md.Args,
		Env:     md.Env,
	})
}

func (c *Catalog) UnregisterProgram(h uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registered[h]; !ok {
		return fmt.Errorf("program handle %d: %w", h, ErrInvalidHandle)
	}
	delete(c.registered, h)
	return nil
}

// Registered returns the number of live program handles.
func (c *Catalog) Registered() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.registered)
}

// Programs lists the catalog, sorted by title id.
func (c *Catalog) Programs() []program.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]program.Metadata, 0, len(c.titles))
	for _, e := range c.titles {
		out = append(out, *e.md.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TitleID < out[j].TitleID })
	return out
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Registry    RegistryConfig    `yaml:"registry"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Termination TerminationConfig `yaml:"termination"`
	Launch      LaunchConfig      `yaml:"launch"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Health      HealthConfig      `yaml:"health"`
	Tracing     TracingConfig     `yaml:"tracing"`
	IPC         IPCConfig         `yaml:"ipc"`
	Sim         SimConfig         `yaml:"sim"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
	GRPC ServerGRPCConfig `yaml:"grpc"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type ServerGRPCConfig struct {
	// Enabled defaults to true; the CLI talks to the server over gRPC.
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout or a file path
	// Rotation applies when Output is a file.
	Rotation RotationConfig `yaml:"rotation"`
}

// KernelConfig selects the kernel backend and describes the machine it
// reports.
type KernelConfig struct {
	Backend     string `yaml:"backend"` // sim, host
	Variant     string `yaml:"variant"` // base, high_end
	Firmware    string `yaml:"firmware"`
	CoreVersion uint32 `yaml:"core_version"`
	// AppMemAlloc and SysMemAlloc accept byte sizes ("124MiB") or hex.
	AppMemAlloc string `yaml:"app_mem_alloc"`
	SysMemAlloc string `yaml:"sys_mem_alloc"`
	Cores       int    `yaml:"cores"`

	Host HostKernelConfig `yaml:"host"`
}

type HostKernelConfig struct {
	// CgroupPath is the cgroup v2 directory under which per-category
	// groups are created. Empty disables resource limits.
	CgroupPath string `yaml:"cgroup_path"`
	WorkDir    string `yaml:"work_dir"`
	// KillGrace is how long a terminated process gets between SIGTERM and
	// SIGKILL.
	KillGrace string `yaml:"kill_grace"`
}

type RegistryConfig struct {
	Capacity int `yaml:"capacity"`
}

type CatalogConfig struct {
	Dir      string `yaml:"dir"`
	Watch    bool   `yaml:"watch"`
	Debounce string `yaml:"debounce"`
}

type TerminationConfig struct {
	Timeout string `yaml:"timeout"`
}

type LaunchConfig struct {
	Blacklist []BlacklistRule `yaml:"blacklist"`
}

// BlacklistRule strips services matching any glob in Services from titles
// with the given 20-bit unique id.
type BlacklistRule struct {
	UniqueID string   `yaml:"unique_id"`
	Services []string `yaml:"services"`
}

// ParsedUniqueID returns the unique id as a number.
func (r BlacklistRule) ParsedUniqueID() (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(r.UniqueID), 0, 20)
	if err != nil {
		return 0, fmt.Errorf("unique_id %q: %w", r.UniqueID, err)
	}
	return uint32(v), nil
}

type JournalConfig struct {
	SQLite  JournalSQLiteConfig  `yaml:"sqlite"`
	JSONL   JournalJSONLConfig   `yaml:"jsonl"`
	Webhook JournalWebhookConfig `yaml:"webhook"`
	OTel    JournalOTelConfig    `yaml:"otel"`
}

type JournalSQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention prunes events older than this. Empty keeps everything.
	Retention string `yaml:"retention"`
}

type JournalJSONLConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

type JournalWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
	Topics        []string          `yaml:"topics"`
}

type JournalOTelConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // grpc, http
	TLS      OTelTLSConfig     `yaml:"tls"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  string            `yaml:"timeout"`
	Batch    OTelBatchConfig   `yaml:"batch"`
	Filter   OTelFilterConfig  `yaml:"filter"`
}

type OTelTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

type OTelBatchConfig struct {
	MaxSize int    `yaml:"max_size"`
	Timeout string `yaml:"timeout"`
}

type OTelFilterConfig struct {
	IncludeTypes      []string `yaml:"include_types"`
	ExcludeTypes      []string `yaml:"exclude_types"`
	IncludeCategories []string `yaml:"include_categories"`
	ExcludeCategories []string `yaml:"exclude_categories"`
	FailuresOnly      bool     `yaml:"failures_only"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// IPCConfig configures the dispatcher services served over websockets.
type IPCConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSessions maps a service name (pm:app, pm:dbg) to its session limit.
	MaxSessions map[string]int `yaml:"max_sessions"`
}

// SimConfig seeds the simulated kernel.
type SimConfig struct {
	Preloaded []SimPreloaded `yaml:"preloaded"`
	// Listeners are titles whose simulated processes accept notifications
	// and exit on a termination request.
	Listeners []string `yaml:"listeners"`
}

type SimPreloaded struct {
	TitleID string `yaml:"title_id"`
	Name    string `yaml:"name"`
}

// GRPCEnabled reports whether the gRPC server should run.
func (c *Config) GRPCEnabled() bool {
	return c.Server.GRPC.Enabled == nil || *c.Server.GRPC.Enabled
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Catalog.Dir != "" && !filepath.IsAbs(cfg.Catalog.Dir) {
		cfg.Catalog.Dir = filepath.Join(filepath.Dir(path), cfg.Catalog.Dir)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:18080"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "1m"
	}
	if cfg.Server.GRPC.Addr == "" {
		cfg.Server.GRPC.Addr = "127.0.0.1:19090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Logging.Rotation.MaxSizeMB == 0 {
		cfg.Logging.Rotation.MaxSizeMB = 20
	}
	if cfg.Logging.Rotation.MaxBackups == 0 {
		cfg.Logging.Rotation.MaxBackups = 5
	}

	if cfg.Kernel.Backend == "" {
		cfg.Kernel.Backend = "sim"
	}
	if cfg.Kernel.Variant == "" {
		cfg.Kernel.Variant = "high_end"
	}
	if cfg.Kernel.Firmware == "" {
		cfg.Kernel.Firmware = "11.17.0"
	}
	if cfg.Kernel.CoreVersion == 0 {
		cfg.Kernel.CoreVersion = 2
	}
	if cfg.Kernel.AppMemAlloc == "" {
		if cfg.Kernel.Variant == "base" {
			cfg.Kernel.AppMemAlloc = "64MiB"
		} else {
			cfg.Kernel.AppMemAlloc = "124MiB"
		}
	}
	if cfg.Kernel.SysMemAlloc == "" {
		if cfg.Kernel.Variant == "base" {
			cfg.Kernel.SysMemAlloc = "44MiB"
		} else {
			cfg.Kernel.SysMemAlloc = "100MiB"
		}
	}
	if cfg.Kernel.Cores <= 0 {
		if cfg.Kernel.Variant == "base" {
			cfg.Kernel.Cores = 2
		} else {
			cfg.Kernel.Cores = 4
		}
	}
	if cfg.Kernel.Host.KillGrace == "" {
		cfg.Kernel.Host.KillGrace = "2s"
	}

	if cfg.Registry.Capacity <= 0 {
		cfg.Registry.Capacity = 64
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = "/etc/pmd/programs.d"
	}
	if cfg.Catalog.Debounce == "" {
		cfg.Catalog.Debounce = "200ms"
	}
	if cfg.Termination.Timeout == "" {
		cfg.Termination.Timeout = "3s"
	}

	if cfg.Journal.SQLite.Path == "" {
		cfg.Journal.SQLite.Path = "/var/lib/pmd/events.db"
	}
	if cfg.Journal.JSONL.Path == "" {
		cfg.Journal.JSONL.Path = "/var/log/pmd/events.jsonl"
	}
	if cfg.Journal.JSONL.Rotation.MaxSizeMB == 0 {
		cfg.Journal.JSONL.Rotation.MaxSizeMB = 50
	}
	if cfg.Journal.JSONL.Rotation.MaxBackups == 0 {
		cfg.Journal.JSONL.Rotation.MaxBackups = 3
	}
	if cfg.Journal.Webhook.BatchSize == 0 {
		cfg.Journal.Webhook.BatchSize = 100
	}
	if cfg.Journal.Webhook.FlushInterval == "" {
		cfg.Journal.Webhook.FlushInterval = "10s"
	}
	if cfg.Journal.Webhook.Timeout == "" {
		cfg.Journal.Webhook.Timeout = "5s"
	}
	if cfg.Journal.OTel.Protocol == "" {
		cfg.Journal.OTel.Protocol = "grpc"
	}
	if cfg.Journal.OTel.Timeout == "" {
		cfg.Journal.OTel.Timeout = "10s"
	}
	if cfg.Journal.OTel.Batch.Timeout == "" {
		cfg.Journal.OTel.Batch.Timeout = "5s"
	}
	if cfg.Journal.OTel.Batch.MaxSize == 0 {
		cfg.Journal.OTel.Batch.MaxSize = 512
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pmd"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PMD_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("PMD_GRPC_ADDR"); v != "" {
		cfg.Server.GRPC.Addr = v
	}
	if v := os.Getenv("PMD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PMD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PMD_KERNEL"); v != "" {
		cfg.Kernel.Backend = v
	}
	if v := os.Getenv("PMD_CATALOG_DIR"); v != "" {
		cfg.Catalog.Dir = v
	}
	if v := os.Getenv("PMD_DATA_DIR"); v != "" {
		cfg.Journal.SQLite.Path = filepath.Join(v, "events.db")
		cfg.Journal.JSONL.Path = filepath.Join(v, "events.jsonl")
	}
	if v := os.Getenv("PMD_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// Validate checks c after it was changed in place, for example by
// command-line overrides.
func (c *Config) Validate() error { return validateConfig(c) }

func validateConfig(cfg *Config) error {
	switch cfg.Kernel.Backend {
	case "sim", "host":
	default:
		return fmt.Errorf("invalid kernel.backend %q", cfg.Kernel.Backend)
	}
	switch cfg.Kernel.Variant {
	case "base", "high_end":
	default:
		return fmt.Errorf("invalid kernel.variant %q", cfg.Kernel.Variant)
	}
	if _, err := ParseFirmware(cfg.Kernel.Firmware); err != nil {
		return fmt.Errorf("kernel.firmware: %w", err)
	}
	for name, v := range map[string]string{
		"kernel.app_mem_alloc": cfg.Kernel.AppMemAlloc,
		"kernel.sys_mem_alloc": cfg.Kernel.SysMemAlloc,
	} {
		n, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if n > 1<<32-1 {
			return fmt.Errorf("%s: %s exceeds 32 bits", name, v)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}

	durations := map[string]string{
		"server.http.read_timeout":       cfg.Server.HTTP.ReadTimeout,
		"server.http.write_timeout":      cfg.Server.HTTP.WriteTimeout,
		"kernel.host.kill_grace":         cfg.Kernel.Host.KillGrace,
		"catalog.debounce":               cfg.Catalog.Debounce,
		"termination.timeout":            cfg.Termination.Timeout,
		"journal.webhook.flush_interval": cfg.Journal.Webhook.FlushInterval,
		"journal.webhook.timeout":        cfg.Journal.Webhook.Timeout,
		"journal.otel.timeout":           cfg.Journal.OTel.Timeout,
		"journal.otel.batch.timeout":     cfg.Journal.OTel.Batch.Timeout,
	}
	if cfg.Journal.SQLite.Retention != "" {
		durations["journal.sqlite.retention"] = cfg.Journal.SQLite.Retention
	}
	for name, v := range durations {
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}

	for i, r := range cfg.Launch.Blacklist {
		if _, err := r.ParsedUniqueID(); err != nil {
			return fmt.Errorf("launch.blacklist[%d]: %w", i, err)
		}
		if len(r.Services) == 0 {
			return fmt.Errorf("launch.blacklist[%d]: services is empty", i)
		}
	}
	switch cfg.Journal.OTel.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid journal.otel.protocol %q", cfg.Journal.OTel.Protocol)
	}
	if cfg.Journal.OTel.Enabled && cfg.Journal.OTel.Endpoint == "" {
		return fmt.Errorf("journal.otel.endpoint is required when otel is enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	for name, n := range cfg.IPC.MaxSessions {
		if n < 0 {
			return fmt.Errorf("ipc.max_sessions[%s] must be >= 0", name)
		}
	}
	for i, p := range cfg.Sim.Preloaded {
		if _, err := strconv.ParseUint(strings.TrimPrefix(p.TitleID, "0x"), 16, 64); err != nil {
			return fmt.Errorf("sim.preloaded[%d]: invalid title_id %q", i, p.TitleID)
		}
	}
	return nil
}

// ParseFirmware parses "major.minor.revision".
func ParseFirmware(s string) ([3]uint8, error) {
	var out [3]uint8
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("firmware %q: want major.minor.revision", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return out, fmt.Errorf("firmware %q: %w", s, err)
		}
		out[i] = uint8(n)
	}
	return out, nil
}

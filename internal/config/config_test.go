package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ParsesKernelAndJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pmd.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  http:
    addr: "127.0.0.1:8080"
  grpc:
    enabled: false
kernel:
  backend: sim
  variant: base
  firmware: "11.4.0"
  app_mem_alloc: "0x4000000"
  sys_mem_alloc: 44MiB
catalog:
  dir: programs.d
  watch: true
launch:
  blacklist:
    - unique_id: "0x00130"
      services: ["ps:*"]
journal:
  sqlite:
    enabled: true
    path: "`+filepath.Join(dir, "events.db")+`"
    retention: 168h
ipc:
  enabled: true
  max_sessions:
    pm:dbg: 1
`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PMD_HTTP_ADDR", "")
	t.Setenv("PMD_CATALOG_DIR", "")
	t.Setenv("PMD_DATA_DIR", "")
	t.Setenv("PMD_KERNEL", "")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:8080" {
		t.Fatalf("http.addr: got %q", cfg.Server.HTTP.Addr)
	}
	if cfg.GRPCEnabled() {
		t.Fatalf("grpc.enabled: expected false")
	}
	if cfg.Kernel.Variant != "base" || cfg.Kernel.Cores != 2 {
		t.Fatalf("kernel: got variant=%q cores=%d", cfg.Kernel.Variant, cfg.Kernel.Cores)
	}
	if cfg.Catalog.Dir != filepath.Join(dir, "programs.d") {
		t.Fatalf("catalog.dir should resolve relative to the config file, got %q", cfg.Catalog.Dir)
	}
	if len(cfg.Launch.Blacklist) != 1 {
		t.Fatalf("blacklist: got %d rules", len(cfg.Launch.Blacklist))
	}
	if id, _ := cfg.Launch.Blacklist[0].ParsedUniqueID(); id != 0x130 {
		t.Fatalf("blacklist unique_id: got %#x", id)
	}
	if cfg.Journal.SQLite.Retention != "168h" {
		t.Fatalf("sqlite.retention: got %q", cfg.Journal.SQLite.Retention)
	}
	if cfg.IPC.MaxSessions["pm:dbg"] != 1 {
		t.Fatalf("ipc.max_sessions: got %v", cfg.IPC.MaxSessions)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.GRPCEnabled() {
		t.Fatalf("grpc should be enabled by default")
	}
	if cfg.Kernel.Backend != "sim" || cfg.Kernel.Variant != "high_end" {
		t.Fatalf("kernel defaults: got %q/%q", cfg.Kernel.Backend, cfg.Kernel.Variant)
	}
	if cfg.Kernel.AppMemAlloc != "124MiB" || cfg.Kernel.Cores != 4 {
		t.Fatalf("high_end defaults: got app=%q cores=%d", cfg.Kernel.AppMemAlloc, cfg.Kernel.Cores)
	}
	if cfg.Registry.Capacity != 64 {
		t.Fatalf("registry.capacity: got %d", cfg.Registry.Capacity)
	}
	if cfg.Termination.Timeout != "3s" || cfg.Catalog.Debounce != "200ms" {
		t.Fatalf("durations: got timeout=%q debounce=%q", cfg.Termination.Timeout, cfg.Catalog.Debounce)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Health.Path != "/healthz" {
		t.Fatalf("paths: got %q %q", cfg.Metrics.Path, cfg.Health.Path)
	}
}

func TestLoadFromBytes_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"backend", "kernel: {backend: qemu}", "kernel.backend"},
		{"variant", "kernel: {variant: n3ds}", "kernel.variant"},
		{"firmware", `kernel: {firmware: "11.x"}`, "kernel.firmware"},
		{"mem", `kernel: {app_mem_alloc: "8GiB"}`, "exceeds 32 bits"},
		{"level", "logging: {level: loud}", "logging.level"},
		{"duration", "termination: {timeout: soon}", "termination.timeout"},
		{"blacklist id", `launch: {blacklist: [{unique_id: "0x1FFFFF", services: ["x"]}]}`, "launch.blacklist[0]"},
		{"blacklist services", `launch: {blacklist: [{unique_id: "0x130"}]}`, "services is empty"},
		{"otel endpoint", "journal: {otel: {enabled: true}}", "endpoint is required"},
		{"sample ratio", "tracing: {sample_ratio: 2}", "sample_ratio"},
		{"preloaded", `sim: {preloaded: [{title_id: "zz"}]}`, "sim.preloaded[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PMD_GRPC_ADDR", "127.0.0.1:7000")
	t.Setenv("PMD_LOG_LEVEL", "debug")
	t.Setenv("PMD_DATA_DIR", "/tmp/pmd")

	cfg := Default()
	if cfg.Server.GRPC.Addr != "127.0.0.1:7000" {
		t.Fatalf("grpc.addr: got %q", cfg.Server.GRPC.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level: got %q", cfg.Logging.Level)
	}
	if cfg.Journal.SQLite.Path != "/tmp/pmd/events.db" || cfg.Journal.JSONL.Path != "/tmp/pmd/events.jsonl" {
		t.Fatalf("data dir: got %q %q", cfg.Journal.SQLite.Path, cfg.Journal.JSONL.Path)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{in: "1024", want: 1024},
		{in: "0x7C00000", want: 0x7C00000},
		{in: "124MiB", want: 124 << 20},
		{in: "10MB", want: 10_000_000},
		{in: "1_000", want: 1000},
		{in: "", err: true},
		{in: "0xZZ", err: true},
		{in: "-1", err: true},
		{in: "MiB", err: true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseByteSize(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseFirmware(t *testing.T) {
	v, err := ParseFirmware("11.17.0")
	if err != nil {
		t.Fatal(err)
	}
	if v != [3]uint8{11, 17, 0} {
		t.Fatalf("got %v", v)
	}
	if _, err := ParseFirmware("11.17"); err == nil {
		t.Fatalf("expected error for two components")
	}
}

package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/config"
	"github.com/pmd/pmd/internal/server"
)

// serverOverrides are flags that take precedence over the config file and
// PMD_* variables. Only flags set on the command line are applied.
type serverOverrides struct {
	backend      string
	catalogDir   string
	watchCatalog bool
	httpAddr     string
	grpcAddr     string
	logLevel     string
	noIPC        bool
}

func (o *serverOverrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.backend, "kernel", "", "Kernel backend: sim or host")
	f.StringVar(&o.catalogDir, "catalog-dir", "", "Directory of program manifests")
	f.BoolVar(&o.watchCatalog, "watch-catalog", false, "Reload the catalog when manifests change")
	f.StringVar(&o.httpAddr, "listen-http", "", "HTTP listen address")
	f.StringVar(&o.grpcAddr, "listen-grpc", "", "gRPC listen address")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.BoolVar(&o.noIPC, "no-ipc", false, "Do not serve pm:app and pm:dbg sessions")
}

func (o *serverOverrides) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("kernel") {
		cfg.Kernel.Backend = o.backend
	}
	if changed("catalog-dir") {
		dir, err := filepath.Abs(o.catalogDir)
		if err != nil {
			return fmt.Errorf("catalog dir: %w", err)
		}
		cfg.Catalog.Dir = dir
	}
	if changed("watch-catalog") {
		cfg.Catalog.Watch = o.watchCatalog
	}
	if changed("listen-http") {
		cfg.Server.HTTP.Addr = o.httpAddr
	}
	if changed("listen-grpc") {
		cfg.Server.GRPC.Addr = o.grpcAddr
	}
	if changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if changed("no-ipc") {
		cfg.IPC.Enabled = !o.noIPC
	}
	return cfg.Validate()
}

func newServerCmd() *cobra.Command {
	var (
		configPath string
		overrides  serverOverrides
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the pmd supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			if err := overrides.apply(cmd, cfg); err != nil {
				return fmt.Errorf("server flags: %w", err)
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "pmd %s kernel, catalog %s, listening on http %s grpc %s\n",
				cfg.Kernel.Backend, cfg.Catalog.Dir, s.HTTPAddr(), s.GRPCAddr())
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: $PMD_CONFIG, ./pmd.yml, ./pmd.yaml or /etc/pmd/pmd.yaml)")
	overrides.register(cmd)
	return cmd
}

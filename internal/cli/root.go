package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "pmd",
		Short:         "pmd: process lifecycle supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("pmd {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", getenvDefault("PMD_GRPC_ADDR", "127.0.0.1:19090"), "pmd gRPC address (host:port)")
	cmd.PersistentFlags().DurationVar(&cfg.callTimeout, "call-timeout", 30*time.Second, "Deadline for a single control call")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newLaunchCmd())
	cmd.AddCommand(newTerminateCmd())
	cmd.AddCommand(newRebootCmd())
	cmd.AddCommand(newPsCmd())
	cmd.AddCommand(newForegroundCmd())
	cmd.AddCommand(newCPUTimeCmd())
	cmd.AddCommand(newDebugCmd())
	cmd.AddCommand(newFlagsCmd())
	cmd.AddCommand(newUnregisterCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

type clientConfig struct {
	grpcAddr    string
	callTimeout time.Duration
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	grpcAddr, _ := cmd.Root().PersistentFlags().GetString("grpc-addr")
	timeout, _ := cmd.Root().PersistentFlags().GetDuration("call-timeout")
	if grpcAddr == "" {
		grpcAddr = "127.0.0.1:19090"
	}
	return &clientConfig{grpcAddr: grpcAddr, callTimeout: timeout}
}

// withClient dials the server and runs fn under the call deadline.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.GRPCClient) error) error {
	cfg := getClientConfig(cmd)
	c, err := client.NewGRPC(cfg.grpcAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.callTimeout)
		defer cancel()
	}
	return callError(fn(ctx, c))
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

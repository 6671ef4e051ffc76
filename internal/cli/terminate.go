package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/internal/program"
)

func newTerminateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate processes",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Grace period before a forced kill (0 uses the server default)")

	cmd.AddCommand(&cobra.Command{
		Use:   "app",
		Short: "Terminate the foreground application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				return c.TerminateApplication(ctx, timeout)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "title TITLE_ID",
		Short: "Terminate every process running a title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := program.ParseTitleID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				return c.TerminateTitle(ctx, id, timeout)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pid PID",
		Short: "Terminate one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				return c.TerminateProcess(ctx, pid, timeout)
			})
		},
	})
	return cmd
}

func newRebootCmd() *cobra.Command {
	var (
		caller  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prepare-reboot",
		Short: "Refuse further launches and terminate everything except the caller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pid uint32
			if caller != "" {
				var err error
				if pid, err = parsePID(caller); err != nil {
					return fmt.Errorf("--caller: %w", err)
				}
			}
			return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				return c.PrepareForReboot(ctx, pid, timeout)
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "PID to spare")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Grace period before forced kills (0 uses the server default)")
	return cmd
}

func parsePID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return uint32(n), nil
}

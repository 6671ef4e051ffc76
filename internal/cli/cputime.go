package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/pkg/types"
)

func newCPUTimeCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "cputime [PERCENT]",
		Short: "Show or set the foreground application's CPU time limit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid percent %q", args[0])
				}
				return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
					return c.SetAppCPUTimeLimit(ctx, uint32(v))
				})
			}

			var info types.CPUTimeInfo
			err := withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				info, err = c.CPUTime(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "current %d%% (base %d%%, max %d%%)\n", info.Current, info.Base, info.Max)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

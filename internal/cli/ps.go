package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/pkg/types"
)

func newPsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List supervised processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var procs []types.ProcessInfo
			err := withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				procs, err = c.ListProcesses(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, procs)
			}
			printProcessTable(cmd.OutOrStdout(), procs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printProcessTable(out io.Writer, procs []types.ProcessInfo) {
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTITLE\tSTATUS\tREFS\tFLAGS")
	for _, p := range procs {
		flags := strings.Join(p.Flags, ",")
		if p.Foreground {
			flags = joinNonEmpty(flags, "foreground")
		}
		if p.DebugQueued {
			flags = joinNonEmpty(flags, "debug_queued")
		}
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", p.PID, program.FormatTitleID(p.TitleID), p.Status, p.RefCount, flags)
	}
	_ = w.Flush()
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func newForegroundCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "foreground",
		Short: "Show the foreground application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				info types.ProcessInfo
				ok   bool
			)
			err := withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				info, ok, err = c.Foreground(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				if !ok {
					return printJSON(cmd, map[string]any{"running": false})
				}
				return printJSON(cmd, info)
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no foreground application")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", info.PID, program.FormatTitleID(info.TitleID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

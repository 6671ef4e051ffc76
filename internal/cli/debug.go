package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/internal/program"
)

func newDebugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debugger hand-off commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run-queued",
		Short: "Start the application queued by launch --debug",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var handle uint64
			err := withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				handle, err = c.RunQueuedProcess(ctx)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "debug handle 0x%x\n", handle)
			return nil
		},
	})
	return cmd
}

func newFlagsCmd() *cobra.Command {
	var (
		media      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "flags TITLE_ID",
		Short: "Show a program's core info and system flags without launching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := parseProgram(args[0], media)
			if err != nil {
				return err
			}
			var out client.ProgramFlags
			err = withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				out, err = c.GetProgramFlags(ctx, prog)
				return err
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "title:     %s\n", program.FormatTitleID(prog.ProgramID))
			fmt.Fprintf(w, "priority:  0x%x\n", out.Core.Priority)
			fmt.Fprintf(w, "affinity:  0x%x\n", out.Core.AffinityMask)
			fmt.Fprintf(w, "category:  %s\n", out.Core.ResourceCategory)
			fmt.Fprintf(w, "cpu time:  %d\n", out.Core.CPUTime)
			names := strings.Join(out.FlagNames, ",")
			if names == "" {
				names = "-"
			}
			fmt.Fprintf(w, "flags:     0x%x (%s)\n", uint32(out.Flags), names)
			return nil
		},
	}
	cmd.Flags().StringVar(&media, "media", "nand", "Media type: nand|sd|gamecard")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister TITLE_ID",
		Short: "Release a process's storage and service registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := program.ParseTitleID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				return c.UnregisterProcess(ctx, id)
			})
		},
	}
}

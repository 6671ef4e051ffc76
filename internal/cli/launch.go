package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/program"
)

func parseProgram(titleID, media string) (program.Info, error) {
	id, err := program.ParseTitleID(titleID)
	if err != nil {
		return program.Info{}, err
	}
	m, err := program.ParseMedia(media)
	if err != nil {
		return program.Info{}, err
	}
	return program.Info{ProgramID: id, Media: m}, nil
}

func newLaunchCmd() *cobra.Command {
	var (
		media         string
		flags         string
		notifyVariant uint8
		app           bool
		debug         bool
		update        string
		updateMedia   string
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "launch TITLE_ID",
		Short: "Launch a title",
		Long: `Launch a title by its 16-digit hex title id.

--app routes through the application entry point, which rejects a second
foreground application. --debug additionally queues the application for a
debugger (see "pmd debug run-queued").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := parseProgram(args[0], media)
			if err != nil {
				return err
			}
			f, err := pm.ParseLaunchFlags(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("notify-variant") {
				f = f.WithNotifyVariant(notifyVariant)
			}
			if debug {
				app = true
			}
			var upd *program.Info
			if update != "" {
				u, err := parseProgram(update, updateMedia)
				if err != nil {
					return fmt.Errorf("--update: %w", err)
				}
				upd = &u
			}
			if upd != nil && app {
				return fmt.Errorf("--update cannot be combined with --app or --debug")
			}

			var pid uint32
			err = withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				switch {
				case debug:
					pid, err = c.LaunchAppDebug(ctx, prog, f)
				case app:
					pid, err = c.LaunchApp(ctx, prog, f)
				case upd != nil:
					pid, err = c.LaunchTitleUpdate(ctx, prog, *upd, f)
				default:
					pid, err = c.LaunchTitle(ctx, prog, f)
				}
				return err
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, map[string]any{"pid": pid, "title_id": program.FormatTitleID(prog.ProgramID)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", formatPID(pid))
			return nil
		},
	}

	cmd.Flags().StringVar(&media, "media", "nand", "Media type: nand|sd|gamecard")
	cmd.Flags().StringVar(&flags, "flags", "", "Launch flags, '|'-separated names (e.g. normal_application|load_dependencies)")
	cmd.Flags().Uint8Var(&notifyVariant, "notify-variant", 0, "Termination notification variant (0-15)")
	cmd.Flags().BoolVar(&app, "app", false, "Launch as the foreground application")
	cmd.Flags().BoolVar(&debug, "debug", false, "Launch as an application queued for a debugger")
	cmd.Flags().StringVar(&update, "update", "", "Update title id whose image replaces the base title's")
	cmd.Flags().StringVar(&updateMedia, "update-media", "sd", "Media of the update title")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// formatPID renders the unknown-process sentinel returned for async
// launches as "pending".
func formatPID(pid uint32) string {
	if pid == uint32(pm.PIDUnknown) {
		return "pending"
	}
	return fmt.Sprintf("%d", pid)
}

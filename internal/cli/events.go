package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmd/pmd/internal/client"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/store/sqlite"
	"github.com/pmd/pmd/pkg/types"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Watch/query lifecycle events",
	}

	cmd.AddCommand(newEventsTailCmd())
	cmd.AddCommand(newEventsQueryCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			enc := json.NewEncoder(cmd.OutOrStdout())
			return callError(c.TailEvents(ctx, topic, func(ev types.Event) error {
				return enc.Encode(ev)
			}))
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Event topic (empty for all)")
	return cmd
}

func newEventsQueryCmd() *cobra.Command {
	var (
		typesCSV string
		pid      string
		titleID  string
		since    string
		until    string
		limit    int
		offset   int
		order    string

		directDB bool
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the event journal (gRPC by default; --direct-db for offline)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildEventQuery(typesCSV, pid, titleID, since, until, limit, offset, order)
			if err != nil {
				return err
			}

			if directDB {
				if dbPath == "" {
					dbPath = getenvDefault("PMD_DB_PATH", "/var/lib/pmd/events.db")
				}
				st, err := sqlite.Open(dbPath)
				if err != nil {
					return err
				}
				defer st.Close()

				evs, err := st.QueryEvents(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printJSON(cmd, evs)
			}

			var evs []types.Event
			err = withClient(cmd, func(ctx context.Context, c *client.GRPCClient) error {
				var err error
				evs, err = c.QueryEvents(ctx, q)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&typesCSV, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&pid, "pid", "", "Filter by process id")
	cmd.Flags().StringVar(&titleID, "title", "", "Filter by title id (hex)")
	cmd.Flags().StringVar(&since, "since", "", "Start time (RFC3339) or duration (e.g. 1h)")
	cmd.Flags().StringVar(&until, "until", "", "End time (RFC3339) or duration (e.g. 5m)")
	cmd.Flags().IntVar(&limit, "limit", 200, "Result limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	cmd.Flags().StringVar(&order, "order", "desc", "Sort order: asc|desc")

	cmd.Flags().BoolVar(&directDB, "direct-db", false, "Query local SQLite directly (offline)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite DB path (used with --direct-db)")

	return cmd
}

func buildEventQuery(typesCSV, pid, titleID, since, until string, limit, offset int, order string) (types.EventQuery, error) {
	var q types.EventQuery
	if typesCSV != "" {
		q.Types = strings.Split(typesCSV, ",")
	}
	if pid != "" {
		n, err := strconv.ParseUint(pid, 0, 32)
		if err != nil {
			return q, fmt.Errorf("invalid pid %q", pid)
		}
		p := uint32(n)
		q.PID = &p
	}
	if titleID != "" {
		id, err := program.ParseTitleID(titleID)
		if err != nil {
			return q, err
		}
		q.TitleID = &id
	}
	if since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, err
		}
		q.Until = &t
	}
	q.Limit = limit
	q.Offset = offset
	q.Asc = strings.EqualFold(order, "asc")
	return q, nil
}

func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

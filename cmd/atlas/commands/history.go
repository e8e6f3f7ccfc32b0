package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/audit"
)

func newHistoryCmd() *cobra.Command {
	var status, requester, request, since string
	var events bool
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the approval log or security events",
		Example: `  atlas history
  atlas history --status denied --since 24h
  atlas history --request 0c1d2e3f-...
  atlas history --events --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Server.Level())

			var sinceTime time.Time
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				sinceTime = time.Now().Add(-dur)
			}

			store, err := audit.Open(cmd.Context(), cfg.Persistence, logger)
			if err != nil {
				return fmt.Errorf("opening %s store: %w", cfg.Persistence.Driver, err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if events {
				evs, err := store.Events(cmd.Context(), audit.EventQuery{Type: status, Since: sinceTime, Limit: limit})
				if err != nil {
					return err
				}
				if len(evs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No security events found.")
					return nil
				}
				fmt.Fprintf(tw, "TIME\tTYPE\tSEVERITY\tMESSAGE\n")
				for _, e := range evs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Severity, e.Message)
				}
				return tw.Flush()
			}

			recs, err := store.History(cmd.Context(), audit.HistoryQuery{
				RequestID:   request,
				Status:      status,
				RequestedBy: requester,
				Since:       sinceTime,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No approval records found.")
				return nil
			}
			fmt.Fprintf(tw, "TIME\tREQUEST\tEVENT\tSTATUS\tTIER\tBY\tCOMMAND\n")
			for _, r := range recs {
				by := r.DecidedBy
				if by == "" {
					by = r.RequestedBy
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.At.Format(time.RFC3339), shortRequestID(r.RequestID), r.Kind, r.Status, r.Tier, by, r.Command)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (event type with --events)")
	cmd.Flags().StringVar(&requester, "requester", "", "filter by requester")
	cmd.Flags().StringVar(&request, "request", "", "show every record of one request")
	cmd.Flags().StringVar(&since, "since", "", "only records newer than this duration (e.g. 1h)")
	cmd.Flags().BoolVar(&events, "events", false, "show security events instead of approval records")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func shortRequestID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

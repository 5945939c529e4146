package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/models"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the envelope event log",
	}
	cmd.AddCommand(newAuditQueryCmd(c), newAuditStatsCmd(c))
	return cmd
}

// parseSince accepts a duration ("2h") or a date (YYYY-MM-DD).
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q (use a duration or YYYY-MM-DD)", s)
	}
	return t, nil
}

func newAuditQueryCmd(c *cli) *cobra.Command {
	var (
		event    string
		corrID   string
		severity string
		since    string
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Show recent envelopes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			envs, err := audit.ReadFile(audit.ResolvePath(c.cfg.EventLogPath()), models.EnvelopeQuery{
				EventPrefix: event,
				CorrID:      corrID,
				Severity:    models.Severity(strings.ToUpper(severity)),
				Since:       from,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, env := range envs {
					if err := enc.Encode(env); err != nil {
						return err
					}
				}
				return nil
			}
			if len(envs) == 0 {
				fmt.Fprintln(out, "No envelopes found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tSEVERITY\tEVENT\tCORR ID\tDETAILS")
			for _, env := range envs {
				details, _ := json.Marshal(env.Details)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					env.Seq, env.TS.Format(time.RFC3339), env.Severity, env.Event, env.CorrID, truncate(string(details), 80))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&event, "event", "", "event name prefix (e.g. router.request)")
	cmd.Flags().StringVar(&corrID, "corr-id", "", "filter by correlation id")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (INFO, WARN, ERROR)")
	cmd.Flags().StringVar(&since, "since", "", "only envelopes after a duration ago or a date")
	cmd.Flags().IntVar(&limit, "limit", 50, "max envelopes to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON lines")
	return cmd
}

func newAuditStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count envelopes by event and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := audit.Stats(audit.ResolvePath(c.cfg.EventLogPath()))
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No envelopes found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tEVENT\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Day, s.Event, s.Count)
			}
			return w.Flush()
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

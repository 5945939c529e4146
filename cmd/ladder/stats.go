package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/tracker"
)

func newStatsCmd(c *cli) *cobra.Command {
	var (
		intent    string
		sessions  bool
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage by intent, provider and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := tracker.New(c.cfg.TrackerPath())
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if sessionID != "" {
				reqs, err := tr.SessionRequests(ctx, sessionID)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Fprintln(out, "No requests found for session.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "#\tTIME\tINTENT\tPROVIDER\tPROMPT\tCOMPLETION\tTOTAL\tCONTEXT GROWTH")
				for _, r := range reqs {
					growth := "-"
					if r.Seq > 1 {
						growth = fmt.Sprintf("%+d", r.ContextGrowth)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						r.Seq, r.CreatedAt.Format("2006-01-02T15:04:05"), r.Intent, r.Provider,
						r.PromptTokens, r.CompletionTokens, r.TotalTokens, growth)
				}
				return w.Flush()
			}

			if sessions {
				sess, err := tr.ListSessions(ctx)
				if err != nil {
					return err
				}
				if len(sess) == 0 {
					fmt.Fprintln(out, "No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION ID\tSTARTED\tLAST ACTIVITY\tLAST PROVIDER\tREQUESTS\tTOTAL TOKENS")
				for _, s := range sess {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
						s.ID, s.StartedAt.Format("2006-01-02T15:04:05"), s.LastActivity.Format("2006-01-02T15:04:05"),
						s.LastProvider, s.RequestCount, s.TotalTokens)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, intent)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No usage recorded yet.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT\tPROVIDER\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL\tAVG LATENCY")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.0fms\n",
					s.Intent, s.Provider, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&intent, "intent", "", "filter by intent")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "list sessions")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "show one session's requests")
	return cmd
}

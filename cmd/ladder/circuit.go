package main

import (
	"fmt"
	"slices"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/logging"
)

func newCircuitCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect and reset provider circuit breakers",
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit state per provider (exits 10 when any circuit is open)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPolicy(c.cfg)
			if err != nil {
				return err
			}
			cb, err := openCircuits(c.cfg, s, audit.Nop{})
			if err != nil {
				return err
			}

			ids := cb.Providers()
			for id := range s.Current().Providers {
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)

			snap := cb.Snapshot()
			open := false
			type row struct {
				Provider string         `json:"provider"`
				State    circuit.State  `json:"state"`
				Status   circuit.Status `json:"status"`
			}
			rows := make([]row, 0, len(ids))
			for _, id := range ids {
				st := cb.State(id)
				if st != circuit.StateClosed {
					open = true
				}
				rows = append(rows, row{Provider: id, State: st, Status: snap[id]})
			}

			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), rows); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tSTATE\tCONSECUTIVE\tWINDOW FAILURES\tOPENED")
				for _, r := range rows {
					opened := "-"
					if !r.Status.OpenedAt.IsZero() {
						opened = r.Status.OpenedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						r.Provider, r.State, r.Status.ConsecutiveFailures, len(r.Status.Failures), opened)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if open {
				return &exitError{code: exitDegraded}
			}
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var all bool
	resetCmd := &cobra.Command{
		Use:   "reset [provider]",
		Short: "Close a provider's circuit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("specify a provider or --all")
			}
			s, err := openPolicy(c.cfg)
			if err != nil {
				return err
			}
			events, err := audit.New(audit.ResolvePath(c.cfg.EventLogPath()), logging.WithComponent("audit"))
			if err != nil {
				return err
			}
			defer events.Close()
			cb, err := openCircuits(c.cfg, s, events)
			if err != nil {
				return err
			}

			targets := args
			if all {
				targets = cb.Providers()
			}
			for _, id := range targets {
				cb.Reset(cmd.Context(), id)
				fmt.Fprintf(cmd.OutOrStdout(), "Closed circuit for %s.\n", id)
			}
			return cb.Save()
		},
	}
	resetCmd.Flags().BoolVar(&all, "all", false, "reset every known provider")

	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}

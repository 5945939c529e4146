package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/models"
)

func newBudgetCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and reset today's budget ledger",
	}

	var (
		intent string
		asJSON bool
	)
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage for today (UTC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPolicy(c.cfg)
			if err != nil {
				return err
			}
			acct, err := openBudget(c.cfg, s)
			if err != nil {
				return err
			}

			var st []models.BudgetStatus
			if intent != "" {
				if _, ok := s.Current().Intent(intent); !ok {
					return fmt.Errorf("intent %q is not declared", intent)
				}
				st = acct.Status(intent)
			} else {
				st = acct.StatusAll()
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			if len(st) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No budgets configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tSCOPE\tNAME\tTOKENS\tTOKEN LIMIT\tCALLS\tCALL LIMIT")
			for _, b := range st {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
					b.Day, b.Scope, b.Name,
					b.Used.TokensUsed, limitString(b.Limits.DailyTokens),
					b.Used.CallsUsed, limitString(b.Limits.DailyCalls))
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&intent, "intent", "", "limit to one intent and its tier")
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var all bool
	resetCmd := &cobra.Command{
		Use:   "reset [intent/<name>|tier/<name>]",
		Short: "Clear today's usage for one bucket, or the whole day with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("specify a bucket or --all")
			}
			s, err := openPolicy(c.cfg)
			if err != nil {
				return err
			}
			acct, err := openBudget(c.cfg, s)
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			acct.Reset(key)
			if err := acct.Save(); err != nil {
				return err
			}
			if key == "" {
				key = "all buckets"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s for %s.\n", key, acct.Day())
			return nil
		},
	}
	resetCmd.Flags().BoolVar(&all, "all", false, "clear every bucket for today")

	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}

func limitString(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

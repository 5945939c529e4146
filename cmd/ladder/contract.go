package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/contract"
	"github.com/pario-ai/ladder/pkg/logging"
	"github.com/pario-ai/ladder/pkg/models"
)

// withContract opens the envelope log and the contract manager for one
// command.
func withContract(c *cli, fn func(m *contract.Manager) error) error {
	events, err := audit.New(audit.ResolvePath(c.cfg.EventLogPath()), logging.WithComponent("audit"))
	if err != nil {
		return err
	}
	defer events.Close()
	m, err := contract.FromConfig(c.cfg, logging.WithComponent("contract"), events)
	if err != nil {
		return configErr(err)
	}
	return fn(m)
}

func printContract(w io.Writer, st models.ContractState) {
	fmt.Fprintf(w, "Mode:      %s (%s)\n", st.Mode, st.Source)
	fmt.Fprintf(w, "Load:      ewma %.2f/min, last %.2f/min, idle=%t\n",
		st.ServiceLoad.EWMARate, st.ServiceLoad.LastRate, st.ServiceLoad.Idle)
	if st.Override != nil {
		fmt.Fprintf(w, "Override:  %s until %s", st.Override.Mode, st.Override.TTLUntil.Format(time.RFC3339))
		if st.Override.Reason != "" {
			fmt.Fprintf(w, " (%s)", st.Override.Reason)
		}
		fmt.Fprintln(w)
	}
	if t := st.LastTransition; t != nil {
		fmt.Fprintf(w, "Last:      %s -> %s at %s: %s\n", t.From, t.To, t.TS.Format(time.RFC3339), t.Reason)
	}
}

func newContractCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and steer the SERVICE/CODE contract manager",
	}

	var asJSON bool
	show := func(cmd *cobra.Command, st models.ContractState) error {
		if asJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printContract(cmd.OutOrStdout(), st)
		return nil
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted contract state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(c, func(m *contract.Manager) error {
				return show(cmd, m.State())
			})
		},
	}

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one evaluation against the activity signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(c, func(m *contract.Manager) error {
				st, err := m.Tick(time.Now())
				if err != nil {
					return err
				}
				return show(cmd, st)
			})
		},
	}

	var (
		mode   string
		ttl    time.Duration
		reason string
	)
	overrideCmd := &cobra.Command{
		Use:   "override",
		Short: "Pin the mode for a bounded time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(c, func(m *contract.Manager) error {
				st, err := m.SetOverride(models.Mode(strings.ToUpper(mode)), ttl, reason)
				if err != nil {
					return err
				}
				return show(cmd, st)
			})
		},
	}
	overrideCmd.Flags().StringVar(&mode, "mode", "", "SERVICE or CODE")
	overrideCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the override holds")
	overrideCmd.Flags().StringVar(&reason, "reason", "", "recorded with the override")
	_ = overrideCmd.MarkFlagRequired("mode")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the manual override",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(c, func(m *contract.Manager) error {
				st, err := m.ClearOverride()
				if err != nil {
					return err
				}
				return show(cmd, st)
			})
		},
	}

	gateCmd := &cobra.Command{
		Use:   "gate",
		Short: "Exit 0 when heavy work is admitted (CODE mode), 10 otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContract(c, func(m *contract.Manager) error {
				st := m.State()
				if m.AdmitHeavy() {
					fmt.Fprintf(cmd.OutOrStdout(), "admit: %s (%s)\n", st.Mode, st.Source)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "defer: %s (%s)\n", st.Mode, st.Source)
				return &exitError{code: exitDegraded}
			})
		},
	}

	var kind string
	signalCmd := &cobra.Command{
		Use:   "signal",
		Short: "Append one activity signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case contract.KindServiceRequest, contract.KindToolCall, contract.KindManualPing:
			default:
				return fmt.Errorf("unknown signal kind %q", kind)
			}
			return contract.NewSignalWriter(c.cfg.SignalPath()).Signal(kind, map[string]any{"source": "cli"})
		},
	}
	signalCmd.Flags().StringVar(&kind, "kind", contract.KindManualPing, "service_request, tool_call or manual_ping")

	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(statusCmd, tickCmd, overrideCmd, clearCmd, gateCmd, signalCmd)
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/logging"
	"github.com/pario-ai/ladder/pkg/pairing"
)

func newPairingCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Run the pairing preflight",
	}

	var corrID string
	preflightCmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check (and if needed remediate) pairing; exits 20 when not admitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := audit.New(audit.ResolvePath(c.cfg.EventLogPath()), logging.WithComponent("audit"))
			if err != nil {
				return err
			}
			defer events.Close()

			if corrID == "" {
				corrID = audit.NewCorrID()
			}
			pf := pairing.FromConfig(c.cfg.Pairing, logging.WithComponent("pairing"), events)
			out := pf.Check(cmd.Context(), corrID)
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Admitted() {
				return &exitError{code: exitFailed, err: fmt.Errorf("pairing preflight: %s", out.Status)}
			}
			return nil
		},
	}
	preflightCmd.Flags().StringVar(&corrID, "corr-id", "", "correlation id (generated when empty)")

	cmd.AddCommand(preflightCmd)
	return cmd
}

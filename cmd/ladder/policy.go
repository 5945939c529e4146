package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/policy"
)

func newPolicyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with routing policy files",
	}

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load and validate a policy file (exits 2 when invalid)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.PolicyPath
			if len(args) == 1 {
				path = args[0]
			}
			p, hash, err := policy.Load(path)
			if err != nil {
				return configErr(err)
			}
			intents := make([]string, 0, len(p.Routing.Intents))
			for name := range p.Routing.Intents {
				intents = append(intents, name)
			}
			sort.Strings(intents)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: ok (schema %d, hash %s)\n", path, p.SchemaVersion, hash)
			fmt.Fprintf(w, "  providers: %d\n", len(p.Providers))
			for _, name := range intents {
				fmt.Fprintf(w, "  intent %s: %v\n", name, p.Routing.Intents[name].Order)
			}
			return nil
		},
	}

	cmd.AddCommand(validateCmd)
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pario-ai/ladder/pkg/config"
	"github.com/pario-ai/ladder/pkg/logging"
)

var version = "dev"

// Process exit codes.
const (
	exitOK       = 0
	exitConfig   = 2
	exitDegraded = 10
	exitFailed   = 20
)

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: exitConfig, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailed
}

// cli holds state shared by every command.
type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func main() {
	c := &cli{v: viper.New()}
	root := newRootCmd(c)
	err := root.Execute()
	code := exitCode(err)
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintln(os.Stderr, "ladder:", err)
	}
	os.Exit(code)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "ladder",
		Short:         "Policy-driven LLM request router",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return configErr(err)
			}
			c.cfg = cfg
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "path to config file (default ~/.ladder/config.yaml)")
	pf.String("state-dir", "", "directory for ledgers, state files and the event log")
	pf.String("policy", "", "path to the routing policy JSON")
	pf.String("event-log", "", "path to the envelope log")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json or console)")
	pf.Bool("strict", false, "refuse dispatches that bypass the tool sanitizer")
	_ = c.v.BindPFlags(pf)

	c.v.SetEnvPrefix("LADDER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		newServeCmd(c),
		newRouteCmd(c),
		newSelectCmd(c),
		newExplainCmd(c),
		newBudgetCmd(c),
		newCircuitCmd(c),
		newAuditCmd(c),
		newStatsCmd(c),
		newCacheCmd(c),
		newContractCmd(c),
		newPairingCmd(c),
		newPolicyCmd(c),
		newMCPCmd(c),
	)
	return root
}

// load reads the config file, then applies LADDER_* variables and flags.
func (c *cli) load() (*config.Config, error) {
	path := c.v.GetString("config")
	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ladder", "config.yaml")
		}
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if s := c.v.GetString("state-dir"); s != "" {
		cfg.StateDir = s
	}
	if s := c.v.GetString("policy"); s != "" {
		cfg.PolicyPath = s
	}
	if s := c.v.GetString("event-log"); s != "" {
		cfg.EventLog = s
	}
	if s := c.v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := c.v.GetString("log-format"); s != "" {
		cfg.Logging.Format = s
	}
	if c.v.GetBool("strict") {
		cfg.Strict = true
	}
	if s := c.v.GetString("listen"); s != "" {
		cfg.Listen = s
	}
	return cfg, nil
}

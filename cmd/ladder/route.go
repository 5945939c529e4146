package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/ladder/pkg/models"
)

type routeFlags struct {
	corrID    string
	runID     string
	sessionID string
	callsite  string
	provider  string
	model     string
	exclude   []string
	allowPaid bool
	asJSON    bool
}

func (f *routeFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.corrID, "corr-id", "", "correlation id (generated when empty)")
	fl.StringVar(&f.runID, "run-id", "", "run id for max_calls_per_run accounting")
	fl.StringVar(&f.sessionID, "session", "", "session id for sticky routing")
	fl.StringVar(&f.callsite, "callsite", "cli", "callsite recorded with the request")
	fl.StringVar(&f.provider, "force-provider", "", "pin the provider")
	fl.StringVar(&f.model, "force-model", "", "pin the model")
	fl.StringSliceVar(&f.exclude, "exclude", nil, "providers to skip")
	fl.BoolVar(&f.allowPaid, "allow-paid", false, "allow paid providers for this request")
	fl.BoolVar(&f.asJSON, "json", false, "print JSON")
}

func (f *routeFlags) meta(cmd *cobra.Command) models.ContextMetadata {
	m := models.ContextMetadata{
		CorrID:    f.corrID,
		RunID:     f.runID,
		SessionID: f.sessionID,
		Callsite:  f.callsite,
		Overrides: models.Overrides{
			ForceProvider: f.provider,
			ForceModel:    f.model,
			Exclude:       f.exclude,
		},
	}
	if cmd.Flags().Changed("allow-paid") {
		m.Overrides.AllowPaid = &f.allowPaid
	}
	return m
}

// promptArg joins args, reading stdin when they are empty or "-".
func promptArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.Join(args, " "), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRouteCmd(c *cli) *cobra.Command {
	var f routeFlags
	cmd := &cobra.Command{
		Use:   "route <intent> [prompt...]",
		Short: "Execute one request through the ladder",
		Long:  "Execute one request through the ladder. The prompt is read from stdin when omitted.\n" +
			"Exits 0 on first-choice success, 10 when the request escalated, 20 on failure.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(cmd, args[1:])
			if err != nil {
				return err
			}
			a, err := openApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.engine.Execute(cmd.Context(), models.Request{
				Intent:  args[0],
				Payload: models.Payload{Prompt: prompt},
				Meta:    f.meta(cmd),
			})

			out := cmd.OutOrStdout()
			if f.asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				printResult(out, cmd.ErrOrStderr(), res)
			}

			switch {
			case !res.OK:
				return &exitError{code: exitFailed}
			case res.OutcomeClass == models.OutcomeEscalated:
				return &exitError{code: exitDegraded}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func printResult(out, errw io.Writer, res models.Result) {
	for _, line := range res.RouteExplain {
		fmt.Fprintln(errw, "  "+line)
	}
	for _, t := range res.EscalationTrace {
		fmt.Fprintf(errw, "  %s/%s %s %s retries=%d %dms\n",
			t.Provider, t.Model, t.Final(), reasonOr(t.Reason, "ok"), t.Retries, t.LatencyMs)
	}
	if !res.OK {
		e := res.Error
		if e == nil {
			fmt.Fprintf(errw, "error: %s corr_id=%s\n", res.ReasonCode, res.CorrID)
			return
		}
		fmt.Fprintf(errw, "error: %s (%s) corr_id=%s\n", e.Reason, e.Type, e.CorrID)
		if e.Message != "" {
			fmt.Fprintf(errw, "  %s\n", e.Message)
		}
		for _, hint := range e.Remediation {
			fmt.Fprintf(errw, "  - %s\n", hint)
		}
		return
	}
	fmt.Fprintf(errw, "%s via %s/%s (%s, %d tokens, %dms) corr_id=%s\n",
		res.OutcomeClass, res.Provider, res.Model, res.CapabilityClass, res.Usage.TotalTokens, res.LatencyMs, res.CorrID)
	fmt.Fprintln(out, res.Text)
}

func reasonOr(r models.ReasonCode, fallback string) string {
	if r == models.ReasonOK {
		return fallback
	}
	return string(r)
}

func newSelectCmd(c *cli) *cobra.Command {
	var f routeFlags
	cmd := &cobra.Command{
		Use:   "select <intent>",
		Short: "Show the provider and model an intent would try first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sel, err := a.engine.SelectModel(cmd.Context(), args[0], f.meta(cmd))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: exitFailed}
			}
			if f.asJSON {
				return printJSON(cmd.OutOrStdout(), sel)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s (tier %s, request cap %d)\n", sel.Provider, sel.Model, sel.Tier, sel.RequestCap)
			for _, line := range sel.RouteExplain {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+line)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newExplainCmd(c *cli) *cobra.Command {
	var f routeFlags
	cmd := &cobra.Command{
		Use:   "explain <intent> [prompt...]",
		Short: "Dry-run planning and the context guard without dispatching",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(cmd, args[1:])
			if err != nil {
				return err
			}
			a, err := openApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ex, err := a.engine.ExplainRoute(cmd.Context(), args[0], f.meta(cmd), models.Payload{Prompt: prompt})
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: exitFailed}
			}
			if f.asJSON {
				if err := printJSON(cmd.OutOrStdout(), ex); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				for _, line := range ex.RouteExplain {
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "tokens %d (original %d), hard cap %d, soft cap %d, compressed=%t spilled=%t\n",
					ex.Tokens, ex.OriginalTokens, ex.HardCap, ex.SoftCap, ex.Compressed, ex.Spilled)
				for _, cand := range ex.Guarded {
					fmt.Fprintln(w, "  "+cand.String())
				}
			}
			if ex.Reason != models.ReasonOK {
				fmt.Fprintln(cmd.ErrOrStderr(), "reason:", ex.Reason)
				return &exitError{code: exitFailed}
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/ladder/pkg/logging"
	"github.com/pario-ai/ladder/pkg/proxy"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP router with policy hot reload and the contract manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			cm, err := a.contract()
			if err != nil {
				return configErr(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := proxy.New(c.cfg, a.engine, cm, a.pairing, a.circuits, logging.WithComponent("http"))
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			g.Go(func() error { return a.policies.Watch(gctx) })

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			g.Go(func() error {
				a.policies.ReloadOn(gctx, hup)
				return nil
			})

			if cm != nil {
				g.Go(func() error { return cm.Start(gctx) })
			}

			sched, err := a.retention()
			if err != nil {
				return err
			}
			sched.Start()
			g.Go(func() error {
				<-gctx.Done()
				<-sched.Stop().Done()
				return nil
			})

			a.log.Info().
				Str("policy", c.cfg.PolicyPath).
				Str("hash", a.policies.Snapshot().Hash).
				Bool("contract", cm != nil).
				Msg("starting ladder")
			return g.Wait()
		},
	}
	cmd.Flags().String("listen", "", "listen address (default :8090)")
	_ = c.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

// retention schedules expiry of cached responses, tracker rows and persisted
// state flushes.
func (a *app) retention() (*cron.Cron, error) {
	log := logging.WithComponent("retention")
	s := cron.New()

	if a.cache != nil {
		every := a.cfg.Cache.TTL
		if every <= 0 {
			every = time.Hour
		}
		if _, err := s.AddFunc("@every "+every.String(), func() {
			n, err := a.cache.Clear(true)
			if err != nil {
				log.Error().Err(err).Msg("clear expired cache entries")
				return
			}
			log.Debug().Int64("deleted", n).Msg("expired cache entries cleared")
		}); err != nil {
			return nil, fmt.Errorf("schedule cache expiry: %w", err)
		}
	}

	if a.cfg.Retention > 0 {
		if _, err := s.AddFunc("@daily", func() {
			n, err := a.tracker.Prune(context.Background(), time.Now().Add(-a.cfg.Retention))
			if err != nil {
				log.Error().Err(err).Msg("prune usage records")
				return
			}
			log.Info().Int64("deleted", n).Msg("usage records pruned")
		}); err != nil {
			return nil, fmt.Errorf("schedule tracker prune: %w", err)
		}
	}

	if _, err := s.AddFunc("@every 1m", func() {
		if err := a.budget.Save(); err != nil {
			log.Error().Err(err).Msg("persist budget ledger")
		}
		a.events.Flush()
	}); err != nil {
		return nil, fmt.Errorf("schedule state flush: %w", err)
	}
	return s, nil
}

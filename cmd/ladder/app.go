package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/adapter"
	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/budget"
	cachepkg "github.com/pario-ai/ladder/pkg/cache/sqlite"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/config"
	"github.com/pario-ai/ladder/pkg/contextguard"
	"github.com/pario-ai/ladder/pkg/contract"
	"github.com/pario-ai/ladder/pkg/engine"
	"github.com/pario-ai/ladder/pkg/logging"
	"github.com/pario-ai/ladder/pkg/pairing"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
	"github.com/pario-ai/ladder/pkg/tracker"
)

// app is the fully wired router for commands that dispatch.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	events   *audit.Logger
	policies *policy.Store
	budget   *budget.Accountant
	circuits *circuit.Breaker
	adapters *adapter.Registry
	tracker  *tracker.SQLiteTracker
	cache    *cachepkg.Cache
	signals  *contract.SignalWriter
	pairing  *pairing.Preflight
	engine   *engine.Engine

	closers []func() error
}

func openApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, log: logging.Logger()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.events, err = audit.New(audit.ResolvePath(cfg.EventLogPath()), logging.WithComponent("audit"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.events.Close)

	a.policies, err = policy.NewStore(cfg.PolicyPath, logging.WithComponent("policy"), a.events)
	if err != nil {
		return nil, configErr(err)
	}
	if a.budget, err = openBudget(cfg, a.policies); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.budget.Save)
	if a.circuits, err = openCircuits(cfg, a.policies, a.events); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.circuits.Save)

	a.tracker, err = tracker.New(cfg.TrackerPath())
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	a.closers = append(a.closers, a.tracker.Close)

	if cfg.Cache.Enabled {
		a.cache, err = cachepkg.New(cfg.TrackerPath())
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		a.closers = append(a.closers, a.cache.Close)
	}

	a.adapters = adapter.NewDefault(adapter.Options{
		Strict:          cfg.Strict,
		GeneralAuthFile: cfg.Auth.AuthFile,
		MetricsCache:    2 * time.Second,
		Log:             logging.WithComponent("adapter"),
		Audit:           a.events,
	})
	pol := a.policies.Current()
	sticky := router.NewSticky(pol.Defaults.StickyMaxSessions, pol.StickyWindow())
	planner := router.New(
		router.WithCircuits(a.circuits),
		router.WithLoadProber(a.adapters),
		router.WithSticky(sticky),
		router.WithLogger(logging.WithComponent("router")),
	)

	a.signals = contract.NewSignalWriter(cfg.SignalPath())
	a.pairing = pairing.FromConfig(cfg.Pairing, logging.WithComponent("pairing"), a.events)

	d := engine.Deps{
		Policies: a.policies,
		Planner:  planner,
		Guard:    contextguard.New(logging.WithComponent("contextguard"), a.events),
		Budget:   a.budget,
		Circuits: a.circuits,
		Adapters: a.adapters,
		Pairing:  a.pairing,
		Tracker:  a.tracker,
		Signals:  a.signals,
		Audit:    a.events,
		Log:      logging.WithComponent("engine"),
	}
	if a.cache != nil {
		d.Cache = a.cache
	}
	a.engine = engine.New(d)
	return a, nil
}

// Close persists state and releases resources in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) contract() (*contract.Manager, error) {
	if !a.cfg.Contract.Enabled {
		return nil, nil
	}
	return contract.FromConfig(a.cfg, logging.WithComponent("contract"), a.events)
}

func openPolicy(cfg *config.Config) (*policy.Store, error) {
	s, err := policy.NewStore(cfg.PolicyPath, logging.WithComponent("policy"), nil)
	if err != nil {
		return nil, configErr(err)
	}
	return s, nil
}

func openBudget(cfg *config.Config, s *policy.Store) (*budget.Accountant, error) {
	acct, err := budget.New(cfg.BudgetPath(), s.Current)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func openCircuits(cfg *config.Config, s *policy.Store, em audit.Emitter) (*circuit.Breaker, error) {
	return circuit.New(cfg.CircuitPath(),
		func() policy.CircuitPolicy { return s.Current().Defaults.Circuit },
		circuit.WithLogger(logging.WithComponent("circuit")),
		circuit.WithEmitter(em),
	)
}

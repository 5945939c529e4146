// Package contract switches the process between SERVICE and CODE modes from
// observed request activity, with hysteresis and manual overrides.
package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/config"
	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/statefile"
)

// StateSchemaVersion is the on-disk contract state version.
const StateSchemaVersion = 1

// ErrInvalidMode is returned for modes other than SERVICE and CODE.
var ErrInvalidMode = errors.New("contract: invalid mode")

// Options configure a Manager.
type Options struct {
	StatePath   string
	SignalPath  string
	RingSize    int
	Tick        time.Duration
	Policy      models.ContractPolicy
	InitialMode models.Mode
	Log         zerolog.Logger
	Audit       audit.Emitter
	Now         func() time.Time
}

// Manager owns the contract state.
type Manager struct {
	mu     sync.Mutex
	st     models.ContractState
	reader *reader
	opts   Options
}

// FromConfig builds a Manager from process configuration.
func FromConfig(cfg *config.Config, log zerolog.Logger, em audit.Emitter) (*Manager, error) {
	return New(Options{
		StatePath:   cfg.ContractStatePath(),
		SignalPath:  cfg.SignalPath(),
		RingSize:    cfg.Contract.RingSize,
		Tick:        cfg.Contract.Tick,
		Policy:      cfg.Contract.Policy,
		InitialMode: cfg.Contract.InitialMode,
		Log:         log,
		Audit:       em,
	})
}

// New loads persisted state from StatePath, or starts in InitialMode. The
// policy always comes from opts.
func New(opts Options) (*Manager, error) {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.InitialMode == "" {
		opts.InitialMode = models.ModeService
	}
	if !validMode(opts.InitialMode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.InitialMode)
	}

	m := &Manager{
		opts:   opts,
		reader: newReader(opts.SignalPath, opts.RingSize),
		st: models.ContractState{
			SchemaVersion: StateSchemaVersion,
			Mode:          opts.InitialMode,
			Source:        models.SourceDynamic,
		},
	}
	if opts.StatePath != "" {
		var st models.ContractState
		ok, err := statefile.ReadJSON(opts.StatePath, &st)
		if err != nil {
			return nil, fmt.Errorf("load contract state: %w", err)
		}
		if ok {
			if st.SchemaVersion != StateSchemaVersion {
				return nil, fmt.Errorf("load contract state: unsupported schema_version %d", st.SchemaVersion)
			}
			if validMode(st.Mode) {
				m.st = st
			}
		}
	}
	m.st.Policy = opts.Policy
	metrics.ContractMode.Set(modeGauge(m.st.Mode))
	return m, nil
}

func validMode(mode models.Mode) bool {
	return mode == models.ModeService || mode == models.ModeCode
}

func modeGauge(mode models.Mode) float64 {
	if mode == models.ModeCode {
		return 1
	}
	return 0
}

// State returns a copy of the current state.
func (m *Manager) State() models.ContractState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Manager) snapshot() models.ContractState {
	st := m.st
	if st.Override != nil {
		ov := *st.Override
		st.Override = &ov
	}
	if st.LastTransition != nil {
		tr := *st.LastTransition
		st.LastTransition = &tr
	}
	return st
}

// AdmitHeavy reports whether heavy background work may run now.
func (m *Manager) AdmitHeavy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Mode == models.ModeCode
}

// Tick reads new signals, updates the load estimate and applies the mode
// rules. The returned state is what was persisted.
func (m *Manager) Tick(now time.Time) (models.ContractState, error) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.st.Policy
	if ov := m.st.Override; ov != nil && !now.Before(ov.TTLUntil) {
		m.st.Override = nil
		m.st.Source = models.SourceDynamic
		m.emitOverride(ctx, "expired", ov)
	}

	if err := m.reader.poll(); err != nil {
		m.opts.Log.Warn().Err(err).Str("path", m.opts.SignalPath).Msg("activity signals unreadable")
		if m.st.Override == nil {
			m.st.Source = models.SourceFallback
		}
		m.st.UpdatedAt = now.UTC()
		return m.snapshot(), m.save()
	}

	window := time.Duration(p.WindowMinutes * float64(time.Minute))
	rate := 0.0
	if p.WindowMinutes > 0 {
		rate = float64(m.reader.count(now.Add(-window))) / p.WindowMinutes
	}
	ewma := p.Alpha*rate + (1-p.Alpha)*m.st.ServiceLoad.EWMARate
	last := m.reader.last()
	idle := last.IsZero() || now.Sub(last) >= time.Duration(p.IdleWindowSeconds*float64(time.Second))
	m.st.ServiceLoad = models.ServiceLoad{EWMARate: ewma, LastRate: rate, Idle: idle}
	metrics.ServiceLoadEWMA.Set(ewma)

	if ov := m.st.Override; ov != nil {
		m.st.Source = models.SourceManual
		if m.st.Mode != ov.Mode {
			m.transition(ctx, ov.Mode, now, "manual override")
		}
	} else {
		m.st.Source = models.SourceDynamic
		held := m.st.LastTransition == nil ||
			now.Sub(m.st.LastTransition.TS) >= time.Duration(p.MinModeMinutes*float64(time.Minute))
		switch {
		case !held:
		case m.st.Mode == models.ModeService && ewma <= p.RateLow && idle:
			m.transition(ctx, models.ModeCode, now, fmt.Sprintf("ewma %.3f <= %.3f and idle", ewma, p.RateLow))
		case m.st.Mode == models.ModeCode && ewma >= p.RateHigh:
			m.transition(ctx, models.ModeService, now, fmt.Sprintf("ewma %.3f >= %.3f", ewma, p.RateHigh))
		}
	}

	m.st.UpdatedAt = now.UTC()
	return m.snapshot(), m.save()
}

// SetOverride pins mode for ttl.
func (m *Manager) SetOverride(mode models.Mode, ttl time.Duration, reason string) (models.ContractState, error) {
	if !validMode(mode) {
		return models.ContractState{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if ttl <= 0 {
		return models.ContractState{}, fmt.Errorf("contract: override ttl must be positive, got %s", ttl)
	}
	ctx := context.Background()
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	ov := &models.ContractOverride{Mode: mode, TTLUntil: now.Add(ttl).UTC(), Reason: reason}
	m.st.Override = ov
	m.st.Source = models.SourceManual
	m.emitOverride(ctx, "set", ov)
	if m.st.Mode != mode {
		m.transition(ctx, mode, now, "manual override")
	}
	m.st.UpdatedAt = now.UTC()
	return m.snapshot(), m.save()
}

// ClearOverride drops any override and returns control to the dynamic rules
// on the next tick.
func (m *Manager) ClearOverride() (models.ContractState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ov := m.st.Override; ov != nil {
		m.st.Override = nil
		m.emitOverride(context.Background(), "cleared", ov)
	}
	m.st.Source = models.SourceDynamic
	m.st.UpdatedAt = m.opts.Now().UTC()
	return m.snapshot(), m.save()
}

// transition changes mode. Caller holds mu.
func (m *Manager) transition(ctx context.Context, to models.Mode, now time.Time, reason string) {
	from := m.st.Mode
	m.st.Mode = to
	m.st.LastTransition = &models.ModeTransition{From: from, To: to, TS: now.UTC(), Reason: reason}
	metrics.ContractMode.Set(modeGauge(to))

	m.opts.Log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("contract mode transition")
	m.opts.Audit.Emit(ctx, models.Envelope{
		Event:     "contract.mode_transition",
		Component: "contract",
		Details: map[string]any{
			"from":      string(from),
			"to":        string(to),
			"reason":    reason,
			"source":    string(m.st.Source),
			"ewma_rate": m.st.ServiceLoad.EWMARate,
		},
	})
}

func (m *Manager) emitOverride(ctx context.Context, action string, ov *models.ContractOverride) {
	m.opts.Audit.Emit(ctx, models.Envelope{
		Event:     "contract.override",
		Component: "contract",
		Details: map[string]any{
			"action":    action,
			"mode":      string(ov.Mode),
			"ttl_until": ov.TTLUntil.Format(time.RFC3339),
			"reason":    ov.Reason,
		},
	})
}

// save persists state. Caller holds mu.
func (m *Manager) save() error {
	if m.opts.StatePath == "" {
		return nil
	}
	m.st.SchemaVersion = StateSchemaVersion
	if err := statefile.WriteJSON(m.opts.StatePath, m.st); err != nil {
		return fmt.Errorf("save contract state: %w", err)
	}
	return nil
}

// Start ticks immediately and then on a cron schedule until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	tick := func() {
		if _, err := m.Tick(m.opts.Now()); err != nil {
			m.opts.Log.Error().Err(err).Msg("contract tick")
		}
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+m.opts.Tick.String(), tick); err != nil {
		return fmt.Errorf("schedule contract tick: %w", err)
	}
	tick()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Package circuit tracks provider health and short-circuits failing
// providers.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/statefile"
)

// StateSchemaVersion is the on-disk circuit file version.
const StateSchemaVersion = 1

// maxFailures bounds the failure ring per provider.
const maxFailures = 64

// ErrOpen is returned by Allow when the provider may not be called.
var ErrOpen = errors.New("circuit: open")

// State is a circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Status is the persisted and reported view of one provider's circuit.
type Status struct {
	State               State       `json:"state"`
	OpenedAt            time.Time   `json:"opened_at,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Failures            []time.Time `json:"failures,omitempty"`
	Probing             bool        `json:"-"`
}

type file struct {
	SchemaVersion int               `json:"schema_version"`
	Providers     map[string]Status `json:"providers"`
}

type entry struct {
	mu sync.Mutex
	st Status
}

// Breaker holds one circuit per provider.
type Breaker struct {
	mu        sync.Mutex
	providers map[string]*entry

	path  string
	cfg   func() policy.CircuitPolicy
	now   func() time.Time
	log   zerolog.Logger
	audit audit.Emitter

	saveMu sync.Mutex
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Breaker) { b.log = l } }

// WithEmitter sets the envelope sink.
func WithEmitter(em audit.Emitter) Option { return func(b *Breaker) { b.audit = em } }

// New creates a Breaker persisted at path (empty keeps it in memory). cfg is
// read on every decision so policy reloads apply.
func New(path string, cfg func() policy.CircuitPolicy, opts ...Option) (*Breaker, error) {
	b := &Breaker{
		providers: make(map[string]*entry),
		path:      path,
		cfg:       cfg,
		now:       time.Now,
		log:       zerolog.Nop(),
		audit:     audit.Nop{},
	}
	for _, o := range opts {
		o(b)
	}
	if path != "" {
		var f file
		ok, err := statefile.ReadJSON(path, &f)
		if err != nil {
			return nil, fmt.Errorf("load circuits: %w", err)
		}
		if ok {
			if f.SchemaVersion != StateSchemaVersion {
				return nil, fmt.Errorf("load circuits: unsupported schema_version %d", f.SchemaVersion)
			}
			for id, st := range f.Providers {
				if st.State == "" {
					st.State = StateClosed
				}
				b.providers[id] = &entry{st: st}
				metrics.CircuitState.WithLabelValues(id).Set(st.State.gauge())
			}
		}
	}
	return b, nil
}

func (b *Breaker) entry(provider string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.providers[provider]
	if !ok {
		e = &entry{st: Status{State: StateClosed}}
		b.providers[provider] = e
	}
	return e
}

func (b *Breaker) cooldown() time.Duration {
	return time.Duration(b.cfg().CooldownSeconds) * time.Second
}

// Counts reports whether a dispatch outcome counts as a circuit failure.
func Counts(reason models.ReasonCode, countAuthForbidden bool) bool {
	switch reason {
	case models.ReasonRequestHTTP5xx, models.ReasonRequestTimeout, models.ReasonInvalidResponse, models.ReasonRateLimited:
		return true
	case models.ReasonAuthForbidden:
		return countAuthForbidden
	}
	return false
}

// Ticket is permission for one dispatch. Done must be called exactly once.
type Ticket struct {
	b        *Breaker
	provider string
	probe    bool
	done     atomic.Bool
}

// Probe reports whether this ticket holds the half-open probe slot.
func (t *Ticket) Probe() bool { return t.probe }

// Allow asks to dispatch to provider. It returns ErrOpen while the circuit
// is open, or while another caller holds the half-open probe.
func (b *Breaker) Allow(ctx context.Context, provider string) (*Ticket, error) {
	e := b.entry(provider)
	e.mu.Lock()

	now := b.now()
	var transitioned bool
	if e.st.State == StateOpen && now.Sub(e.st.OpenedAt) >= b.cooldown() {
		e.st.State = StateHalfOpen
		transitioned = true
	}

	var (
		t   *Ticket
		err error
	)
	switch e.st.State {
	case StateOpen:
		err = fmt.Errorf("%w: %s (cooldown until %s)", ErrOpen, provider, e.st.OpenedAt.Add(b.cooldown()).UTC().Format(time.RFC3339))
	case StateHalfOpen:
		if e.st.Probing {
			err = fmt.Errorf("%w: %s probe in flight", ErrOpen, provider)
		} else {
			e.st.Probing = true
			t = &Ticket{b: b, provider: provider, probe: true}
		}
	default:
		t = &Ticket{b: b, provider: provider}
	}
	snap := e.st
	e.mu.Unlock()

	if transitioned {
		b.transition(ctx, provider, StateOpen, snap, "cooldown elapsed")
	}
	return t, err
}

// Done records the dispatch outcome. ReasonOK is a success.
func (t *Ticket) Done(ctx context.Context, reason models.ReasonCode) {
	if t == nil || !t.done.CompareAndSwap(false, true) {
		return
	}
	b := t.b
	cfg := b.cfg()
	e := b.entry(t.provider)
	e.mu.Lock()

	now := b.now()
	from := e.st.State
	counted := reason != models.ReasonOK && Counts(reason, cfg.CountAuthForbidden)
	if t.probe {
		e.st.Probing = false
	}

	switch {
	case reason == models.ReasonOK:
		e.st.ConsecutiveFailures = 0
		if t.probe {
			e.st.State = StateClosed
			e.st.Failures = nil
			e.st.OpenedAt = time.Time{}
		}
	case counted:
		e.st.ConsecutiveFailures++
		e.st.Failures = prune(append(e.st.Failures, now), now, time.Duration(cfg.WindowSeconds)*time.Second)
		if t.probe || (e.st.State == StateClosed && len(e.st.Failures) >= cfg.FailureThreshold) {
			e.st.State = StateOpen
			e.st.OpenedAt = now
		}
	}
	snap := e.st
	e.mu.Unlock()

	if snap.State != from {
		b.transition(ctx, t.provider, from, snap, string(reason))
	}
}

func prune(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(failures) && now.Sub(failures[cut]) > window {
		cut++
	}
	failures = failures[cut:]
	if len(failures) > maxFailures {
		failures = failures[len(failures)-maxFailures:]
	}
	return append([]time.Time(nil), failures...)
}

func (b *Breaker) transition(ctx context.Context, provider string, from State, st Status, why string) {
	metrics.CircuitState.WithLabelValues(provider).Set(st.State.gauge())
	sev := models.SeverityInfo
	if st.State == StateOpen {
		sev = models.SeverityWarn
	}
	b.log.Info().Str("provider", provider).Str("from", string(from)).Str("to", string(st.State)).Str("reason", why).Msg("circuit transition")
	b.audit.Emit(ctx, models.Envelope{
		Event:     "circuit." + string(st.State),
		Severity:  sev,
		Component: "circuit",
		Details: map[string]any{
			"provider":             provider,
			"from":                 string(from),
			"to":                   string(st.State),
			"reason":               why,
			"consecutive_failures": st.ConsecutiveFailures,
			"window_failures":      len(st.Failures),
		},
	})
	if err := b.Save(); err != nil {
		b.log.Warn().Err(err).Msg("persist circuits")
	}
}

// IsOpen reports whether provider is open and still cooling down. A
// provider past its cooldown is reported as not open so the planner keeps
// it for a half-open probe.
func (b *Breaker) IsOpen(provider string) bool {
	return b.State(provider) == StateOpen
}

// State returns the effective state of provider.
func (b *Breaker) State(provider string) State {
	b.mu.Lock()
	e, ok := b.providers[provider]
	b.mu.Unlock()
	if !ok {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.State == StateOpen && b.now().Sub(e.st.OpenedAt) >= b.cooldown() {
		return StateHalfOpen
	}
	return e.st.State
}

// Snapshot returns every known provider's status.
func (b *Breaker) Snapshot() map[string]Status {
	b.mu.Lock()
	ids := make([]string, 0, len(b.providers))
	entries := make([]*entry, 0, len(b.providers))
	for id, e := range b.providers {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	b.mu.Unlock()

	out := make(map[string]Status, len(ids))
	for i, e := range entries {
		e.mu.Lock()
		st := e.st
		st.Failures = append([]time.Time(nil), e.st.Failures...)
		e.mu.Unlock()
		out[ids[i]] = st
	}
	return out
}

// Providers returns the known provider ids, sorted.
func (b *Breaker) Providers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.providers))
	for id := range b.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset closes provider's circuit.
func (b *Breaker) Reset(ctx context.Context, provider string) {
	e := b.entry(provider)
	e.mu.Lock()
	from := e.st.State
	e.st = Status{State: StateClosed}
	snap := e.st
	e.mu.Unlock()
	if from != StateClosed {
		b.transition(ctx, provider, from, snap, "manual reset")
	}
}

// Save writes every circuit to disk.
func (b *Breaker) Save() error {
	if b.path == "" {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	f := file{SchemaVersion: StateSchemaVersion, Providers: b.Snapshot()}
	return statefile.WriteJSON(b.path, f)
}

// Package budget admits requests against per-intent and per-tier daily
// limits and keeps the ledger on disk.
package budget

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/statefile"
)

// LedgerSchemaVersion is the on-disk ledger version.
const LedgerSchemaVersion = 1

const dayLayout = "2006-01-02"

// Ledger is the persisted usage document.
type Ledger struct {
	SchemaVersion int                                        `json:"schema_version"`
	Days          map[string]map[string]*models.BudgetUsage `json:"days"`
	RunsDay       string                                     `json:"runs_day,omitempty"`
	Runs          map[string]int64                           `json:"runs"`
}

// Hold is an admitted reservation against one day's buckets.
type Hold struct {
	Day    string `json:"day"`
	Intent string `json:"intent"`
	Tier   string `json:"tier"`
	RunKey string `json:"run_key,omitempty"`
	Tokens int64  `json:"tokens"`

	settled bool
}

// Accountant performs atomic check-and-decrement admission.
type Accountant struct {
	mu       sync.Mutex
	path     string
	ledger   Ledger
	dirty    bool
	now      func() time.Time
	policy   func() *policy.Policy
	keepDays int
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Accountant) { a.now = now } }

// WithRetention keeps this many days of history in the ledger.
func WithRetention(days int) Option { return func(a *Accountant) { a.keepDays = days } }

// New loads the ledger at path (empty path keeps it in memory). limits is
// consulted on every admission so policy reloads apply immediately.
func New(path string, limits func() *policy.Policy, opts ...Option) (*Accountant, error) {
	a := &Accountant{
		path:     path,
		now:      time.Now,
		policy:   limits,
		keepDays: 7,
		ledger:   emptyLedger(),
	}
	for _, o := range opts {
		o(a)
	}
	if path != "" {
		var l Ledger
		ok, err := statefile.ReadJSON(path, &l)
		if err != nil {
			return nil, fmt.Errorf("load budget ledger: %w", err)
		}
		if ok {
			if l.SchemaVersion != LedgerSchemaVersion {
				return nil, fmt.Errorf("load budget ledger: unsupported schema_version %d", l.SchemaVersion)
			}
			if l.Days == nil {
				l.Days = make(map[string]map[string]*models.BudgetUsage)
			}
			if l.Runs == nil {
				l.Runs = make(map[string]int64)
			}
			a.ledger = l
		}
	}
	return a, nil
}

func emptyLedger() Ledger {
	return Ledger{
		SchemaVersion: LedgerSchemaVersion,
		Days:          make(map[string]map[string]*models.BudgetUsage),
		Runs:          make(map[string]int64),
	}
}

// Day returns the current UTC day key.
func (a *Accountant) Day() string {
	return a.now().UTC().Format(dayLayout)
}

func intentKey(intent string) string { return "intent/" + intent }
func tierKey(tier string) string { return "tier/" + tier }

// bucket returns the usage for key on day, creating it. Caller holds mu.
func (a *Accountant) bucket(day, key string) *models.BudgetUsage {
	d, ok := a.ledger.Days[day]
	if !ok {
		d = make(map[string]*models.BudgetUsage)
		a.ledger.Days[day] = d
	}
	u, ok := d[key]
	if !ok {
		u = &models.BudgetUsage{}
		d[key] = u
	}
	return u
}

// rollover resets run counters and prunes history on a day change. Caller
// holds mu.
func (a *Accountant) rollover(day string) {
	if a.ledger.RunsDay != day {
		a.ledger.RunsDay = day
		a.ledger.Runs = make(map[string]int64)
		a.dirty = true
	}
	if len(a.ledger.Days) <= a.keepDays {
		return
	}
	days := make([]string, 0, len(a.ledger.Days))
	for d := range a.ledger.Days {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days[:len(days)-a.keepDays] {
		delete(a.ledger.Days, d)
	}
	a.dirty = true
}

// Admit reserves one call and tokens against the intent and tier buckets.
// runID scopes max_calls_per_run. requestCap of 0 disables the per-request
// check. A non-OK reason means nothing was reserved.
func (a *Accountant) Admit(intent, tier, runID string, tokens, requestCap int64) (*Hold, models.ReasonCode) {
	if requestCap > 0 && tokens > requestCap {
		return nil, models.ReasonRequestTokenCapExceeded
	}
	pol := a.policy()

	a.mu.Lock()
	defer a.mu.Unlock()

	day := a.Day()
	a.rollover(day)

	il := pol.Budgets.Intents[intent]
	tl := pol.Budgets.Tiers[tier]
	iu := a.bucket(day, intentKey(intent))
	tu := a.bucket(day, tierKey(tier))

	switch {
	case il.DailyCalls > 0 && iu.CallsUsed+1 > il.DailyCalls:
		return nil, models.ReasonIntentCallBudgetExceeded
	case il.DailyTokens > 0 && iu.TokensUsed+tokens > il.DailyTokens:
		return nil, models.ReasonIntentTokenBudgetExceeded
	case il.MaxCallsPerRun > 0 && runID != "" && a.ledger.Runs[runID]+1 > il.MaxCallsPerRun:
		return nil, models.ReasonMaxCallsPerRunExceeded
	case tl.DailyCalls > 0 && tu.CallsUsed+1 > tl.DailyCalls:
		return nil, models.ReasonTierBudgetExceeded
	case tl.DailyTokens > 0 && tu.TokensUsed+tokens > tl.DailyTokens:
		return nil, models.ReasonTierBudgetExceeded
	}

	iu.CallsUsed++
	iu.TokensUsed += tokens
	tu.CallsUsed++
	tu.TokensUsed += tokens
	if runID != "" {
		a.ledger.Runs[runID]++
	}
	a.dirty = true
	return &Hold{Day: day, Intent: intent, Tier: tier, RunKey: runID, Tokens: tokens}, models.ReasonOK
}

// Rollback releases a hold that was never dispatched successfully. Holds
// from a sealed day and already settled holds are ignored.
func (a *Accountant) Rollback(h *Hold) {
	if h == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.settled {
		return
	}
	h.settled = true
	if h.Day != a.Day() {
		return
	}
	for _, u := range []*models.BudgetUsage{a.bucket(h.Day, intentKey(h.Intent)), a.bucket(h.Day, tierKey(h.Tier))} {
		u.CallsUsed = max(u.CallsUsed-1, 0)
		u.TokensUsed = max(u.TokensUsed-h.Tokens, 0)
	}
	if h.RunKey != "" && a.ledger.RunsDay == h.Day && a.ledger.Runs[h.RunKey] > 0 {
		a.ledger.Runs[h.RunKey]--
	}
	a.dirty = true
}

// Reconcile replaces the estimated tokens of a hold with the actual count.
func (a *Accountant) Reconcile(h *Hold, actual int64) {
	if h == nil {
		return
	}
	metrics.TokensUsed.WithLabelValues(h.Intent, h.Tier).Add(float64(actual))

	a.mu.Lock()
	defer a.mu.Unlock()
	if h.settled {
		return
	}
	h.settled = true
	if h.Day != a.Day() {
		return
	}
	delta := actual - h.Tokens
	for _, u := range []*models.BudgetUsage{a.bucket(h.Day, intentKey(h.Intent)), a.bucket(h.Day, tierKey(h.Tier))} {
		u.TokensUsed = max(u.TokensUsed+delta, 0)
	}
	a.dirty = true
}

// Status returns today's intent bucket followed by every configured tier.
func (a *Accountant) Status(intent string) []models.BudgetStatus {
	pol := a.policy()

	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.Day()

	out := []models.BudgetStatus{a.status(day, "intent", intent, pol.Budgets.Intents[intent])}
	return append(out, a.tierStatus(day, pol)...)
}

// StatusAll returns today's status for every declared intent and tier.
func (a *Accountant) StatusAll() []models.BudgetStatus {
	pol := a.policy()

	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.Day()

	var out []models.BudgetStatus
	for _, name := range pol.IntentNames() {
		out = append(out, a.status(day, "intent", name, pol.Budgets.Intents[name]))
	}
	return append(out, a.tierStatus(day, pol)...)
}

// tierStatus views every configured tier. Caller holds mu.
func (a *Accountant) tierStatus(day string, pol *policy.Policy) []models.BudgetStatus {
	tiers := make([]string, 0, len(pol.Budgets.Tiers))
	for t := range pol.Budgets.Tiers {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	out := make([]models.BudgetStatus, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, a.status(day, "tier", t, pol.Budgets.Tiers[t]))
	}
	return out
}

// status builds one bucket view. Caller holds mu.
func (a *Accountant) status(day, scope, name string, lim models.BudgetLimits) models.BudgetStatus {
	var used models.BudgetUsage
	if d, ok := a.ledger.Days[day]; ok {
		if u, ok := d[scope+"/"+name]; ok {
			used = *u
		}
	}
	return models.BudgetStatus{
		Day:             day,
		Scope:           scope,
		Name:            name,
		Limits:          lim,
		Used:            used,
		TokensRemaining: remaining(lim.DailyTokens, used.TokensUsed),
		CallsRemaining:  remaining(lim.DailyCalls, used.CallsUsed),
	}
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	return max(limit-used, 0)
}

// RunCalls returns the calls admitted today for a run key.
func (a *Accountant) RunCalls(runID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ledger.RunsDay != a.Day() {
		return 0
	}
	return a.ledger.Runs[runID]
}

// Usage returns a copy of one day's buckets keyed "intent/<name>" and
// "tier/<name>".
func (a *Accountant) Usage(day string) map[string]models.BudgetUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]models.BudgetUsage)
	for k, u := range a.ledger.Days[day] {
		out[k] = *u
	}
	return out
}

// Save writes the ledger if it changed since the last save.
func (a *Accountant) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty || a.path == "" {
		return nil
	}
	if err := statefile.WriteJSON(a.path, a.ledger); err != nil {
		return fmt.Errorf("save budget ledger: %w", err)
	}
	a.dirty = false
	return nil
}

// Reset clears today's buckets for an intent or tier ("intent/<name>" or
// "tier/<name>"); an empty key clears the whole day.
func (a *Accountant) Reset(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	day := a.Day()
	if key == "" {
		delete(a.ledger.Days, day)
		a.ledger.Runs = make(map[string]int64)
		a.dirty = true
		return
	}
	if !strings.Contains(key, "/") {
		key = intentKey(key)
	}
	if d, ok := a.ledger.Days[day]; ok {
		delete(d, key)
		a.dirty = true
	}
}

// Package pairing runs a bounded remediation preflight in front of subagent
// spawns.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
)

// ErrLocked matches preflight errors caused by a concurrent preflight or an
// active remediation cooldown.
var ErrLocked = errors.New("pairing: preflight locked")

// Status is a preflight classification.
type Status string

const (
	StatusOK                Status = "OK"
	StatusMissing           Status = "MISSING"
	StatusStale             Status = "STALE"
	StatusLocked            Status = "LOCKED"
	StatusRemoteRequired    Status = "REMOTE_REQUIRED"
	StatusRemediationFailed Status = "REMEDIATION_FAILED"
)

var reasons = map[Status]models.ReasonCode{
	StatusOK:                models.ReasonOK,
	StatusMissing:           models.ReasonPairingMissing,
	StatusStale:             models.ReasonPairingStale,
	StatusLocked:            models.ReasonPairingLocked,
	StatusRemoteRequired:    models.ReasonPairingRemoteRequired,
	StatusRemediationFailed: models.ReasonPairingRemediationFailed,
}

// Outcome is the result of one preflight.
type Outcome struct {
	Status         Status            `json:"status"`
	Reason         models.ReasonCode `json:"reason_code,omitempty"`
	CorrID         string            `json:"corr_id"`
	Remediated     bool              `json:"remediated"`
	SafeToRetryNow bool              `json:"safe_to_retry_now"`
	Detail         string            `json:"detail,omitempty"`
}

// Admitted reports whether a spawn may proceed: the guard passed, or a
// remediation just made it pass.
func (o Outcome) Admitted() bool {
	return o.Status == StatusOK || o.SafeToRetryNow
}

// Error wraps a refused Outcome.
type Error struct {
	Outcome Outcome
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pairing preflight %s for corr_id %s", strings.ToLower(string(e.Outcome.Status)), e.Outcome.CorrID)
	if e.Outcome.Detail != "" {
		msg += ": " + e.Outcome.Detail
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == ErrLocked && e.Outcome.Status == StatusLocked
}

// Guard checks the pairing. Implementations classify into OK, MISSING,
// STALE or REMOTE_REQUIRED.
type Guard func(ctx context.Context) (Status, string)

// Refresher attempts a one-shot remediation.
type Refresher func(ctx context.Context) error

// Options tune a Preflight.
type Options struct {
	Timeout  time.Duration
	Cooldown time.Duration
	CorrTTL  time.Duration
	MaxCorr  int
	Log      zerolog.Logger
	Audit    audit.Emitter
	Now      func() time.Time
}

// Preflight serializes pairing checks and bounds remediation to one attempt
// per corr_id.
type Preflight struct {
	guard   Guard
	refresh Refresher
	opts    Options

	mu          sync.Mutex
	lastRefresh time.Time
	attempts    *expirable.LRU[string, time.Time]
}

// New creates a Preflight. A nil guard reports MISSING.
func New(guard Guard, refresh Refresher, opts Options) *Preflight {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxCorr <= 0 {
		opts.MaxCorr = 4096
	}
	if opts.CorrTTL <= 0 {
		opts.CorrTTL = 24 * time.Hour
	}
	return &Preflight{
		guard:    guard,
		refresh:  refresh,
		opts:     opts,
		attempts: expirable.NewLRU[string, time.Time](opts.MaxCorr, nil, opts.CorrTTL),
	}
}

// Check runs the preflight for corrID. Contenders get LOCKED immediately.
func (p *Preflight) Check(ctx context.Context, corrID string) Outcome {
	if !p.mu.TryLock() {
		return p.finish(ctx, Outcome{Status: StatusLocked, CorrID: corrID, Detail: "another preflight is in flight"})
	}
	defer p.mu.Unlock()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	st, detail := p.runGuard(ctx)
	out := Outcome{Status: st, CorrID: corrID, Detail: detail}
	if st != StatusStale {
		return p.finish(ctx, out)
	}

	if at, seen := p.attempts.Get(corrID); seen {
		out.Status = StatusRemediationFailed
		out.Detail = "remediation already attempted at " + at.UTC().Format(time.RFC3339)
		return p.finish(ctx, out)
	}
	now := p.opts.Now()
	if !p.lastRefresh.IsZero() && now.Sub(p.lastRefresh) < p.opts.Cooldown {
		out.Status = StatusLocked
		out.Detail = "remediation cooldown active until " + p.lastRefresh.Add(p.opts.Cooldown).UTC().Format(time.RFC3339)
		return p.finish(ctx, out)
	}
	if p.refresh == nil {
		out.Detail = "no refresher configured"
		return p.finish(ctx, out)
	}

	p.attempts.Add(corrID, now)
	p.lastRefresh = now
	out.Remediated = true
	p.opts.Log.Info().Str("corr_id", corrID).Msg("pairing stale, refreshing")
	if err := p.refresh(ctx); err != nil {
		out.Detail = "refresh failed: " + err.Error()
		return p.finish(ctx, out)
	}

	switch after, d := p.runGuard(ctx); after {
	case StatusOK:
		out.SafeToRetryNow = true
		out.Detail = "refreshed"
	case StatusRemoteRequired:
		out.Status, out.Detail = after, d
	default:
		out.Detail = "guard still failing after refresh"
	}
	return p.finish(ctx, out)
}

func (p *Preflight) runGuard(ctx context.Context) (Status, string) {
	if p.guard == nil {
		return StatusMissing, "no guard configured"
	}
	return p.guard(ctx)
}

func (p *Preflight) finish(ctx context.Context, out Outcome) Outcome {
	out.Reason = reasons[out.Status]
	metrics.PairingPreflights.WithLabelValues(string(out.Status)).Inc()

	sev := models.SeverityInfo
	switch out.Status {
	case StatusOK:
	case StatusStale, StatusLocked:
		sev = models.SeverityWarn
	default:
		sev = models.SeverityError
	}
	if out.SafeToRetryNow {
		sev = models.SeverityInfo
	}
	p.opts.Audit.Emit(audit.WithCorrID(ctx, out.CorrID), models.Envelope{
		Event:     "pairing.preflight." + strings.ToLower(string(out.Status)),
		Severity:  sev,
		Component: "pairing",
		Details: map[string]any{
			"remediated":        out.Remediated,
			"safe_to_retry_now": out.SafeToRetryNow,
			"detail":            out.Detail,
		},
	})
	return out
}

// Gate wraps spawn so it only runs once the preflight admits corrID.
func (p *Preflight) Gate(spawn func(ctx context.Context) error) func(ctx context.Context, corrID string) error {
	return func(ctx context.Context, corrID string) error {
		if o := p.Check(ctx, corrID); !o.Admitted() {
			return &Error{Outcome: o}
		}
		return spawn(ctx)
	}
}

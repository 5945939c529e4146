// Package engine walks the provider ladder for a request: it admits budget,
// gates on circuits, dispatches through the adapters and escalates on
// failure.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/adapter"
	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/budget"
	cachepkg "github.com/pario-ai/ladder/pkg/cache/sqlite"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/classifier"
	"github.com/pario-ai/ladder/pkg/contextguard"
	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/pairing"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
	"github.com/pario-ai/ladder/pkg/tracker"
)

// Dispatcher sends a payload to one provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (adapter.Response, error)
}

// Signaler records request activity for the contract manager.
type Signaler interface {
	Signal(kind string, meta map[string]any) error
}

// ResponseCache stores successful responses for cacheable intents.
type ResponseCache interface {
	Get(key string) ([]byte, bool)
	Put(key, intent string, response []byte, ttl time.Duration) error
}

// Deps wires an Engine. Tracker, Cache and Signals are optional.
type Deps struct {
	Policies *policy.Store
	Planner  *router.Planner
	Guard    *contextguard.Guard
	Budget   *budget.Accountant
	Circuits *circuit.Breaker
	Adapters Dispatcher
	Pairing  *pairing.Preflight
	Tracker  tracker.Tracker
	Cache    ResponseCache
	Signals  Signaler
	Audit    audit.Emitter
	Log      zerolog.Logger
	Now      func() time.Time
	// Jitter returns a sleep in [0, ceiling]. Defaults to full jitter.
	Jitter func(ceiling time.Duration) time.Duration
}

// Engine executes requests against the policy ladder.
type Engine struct {
	d Deps
}

// Error is returned by the introspection calls.
type Error struct {
	Reason  models.ReasonCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// New creates an Engine. A nil Pairing refuses gated intents as
// pairing_missing.
func New(d Deps) *Engine {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Jitter == nil {
		d.Jitter = fullJitter
	}
	if d.Pairing == nil {
		d.Pairing = pairing.New(nil, nil, pairing.Options{Log: d.Log, Audit: d.Audit})
	}
	if d.Guard == nil {
		d.Guard = contextguard.New(d.Log, d.Audit)
	}
	return &Engine{d: d}
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling + 1)
}

// attempt is one candidate's outcome.
type attempt struct {
	trace  models.AttemptTrace
	resp   adapter.Response
	hold   *budget.Hold
	tier   string
	reason models.ReasonCode
}

// Execute routes one request. It never returns an error; failures are
// described by the Result.
func (e *Engine) Execute(ctx context.Context, req models.Request) models.Result {
	start := e.d.Now()
	pol := e.d.Policies.Current()

	meta := req.Meta
	if meta.CorrID == "" {
		meta.CorrID = audit.NewCorrID()
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	ctx = audit.WithCorrID(ctx, meta.CorrID)
	log := e.d.Log.With().Str("corr_id", meta.CorrID).Str("intent", req.Intent).Logger()

	res := models.Result{RequestID: meta.RequestID, CorrID: meta.CorrID, Intent: req.Intent}
	f := failure{start: start}

	route, ok := pol.Intent(req.Intent)
	if !ok {
		f.reason, f.msg = models.ReasonInvalidIntent, fmt.Sprintf("intent %q is not declared", req.Intent)
		return e.fail(ctx, res, f)
	}
	if strings.TrimSpace(req.Payload.Text()) == "" {
		f.reason, f.msg = models.ReasonInvalidPayload, "payload has no messages or prompt"
		return e.fail(ctx, res, f)
	}

	cls := classifier.Classify(req.ClassifierText())
	res.CapabilityClass = string(cls.Label)
	f.confidence = cls.Confidence

	if cls.Label == classifier.Subagent && route.PairingGate {
		o := e.d.Pairing.Check(ctx, meta.CorrID)
		res.RouteExplain = append(res.RouteExplain, fmt.Sprintf("pairing: %s remediated=%t safe_to_retry_now=%t", o.Status, o.Remediated, o.SafeToRetryNow))
		if !o.Admitted() {
			f.reason, f.msg = o.Reason, o.Detail
			return e.fail(ctx, res, f)
		}
	}

	plan := e.d.Planner.Plan(ctx, router.PlanInput{Policy: pol, Intent: req.Intent, Meta: meta, Capability: cls})
	res.RouteExplain = append(res.RouteExplain, plan.Explain...)
	if plan.Reason != models.ReasonOK {
		f.reason = plan.Reason
		return e.fail(ctx, res, f)
	}

	var cacheKey string
	if e.d.Cache != nil && route.CacheTTLSeconds > 0 {
		cacheKey = cachepkg.Key(req.Intent, plan.Candidates[0].String(), req.Payload)
		if hit, ok := e.cached(ctx, res, cacheKey, start); ok {
			return hit
		}
	}

	d := e.d.Guard.Check(ctx, contextguard.Input{Policy: pol, Intent: req.Intent, Payload: req.Payload, Candidates: plan.Candidates})
	res.RouteExplain = append(res.RouteExplain, d.Explain)
	res.Compressed = d.Compressed
	if !d.OK() {
		f.reason, f.msg = d.Reason, d.Explain
		return e.fail(ctx, res, f)
	}

	ctx, cancel := context.WithTimeout(ctx, pol.Timeout(req.Intent))
	defer cancel()

	runKey := meta.RunID
	if runKey == "" {
		runKey = meta.CorrID
	}

	allOpen, dispatched := true, false
	for i, c := range d.Candidates {
		payload, tokens, explain, fits := e.d.Guard.Fit(ctx, pol, req.Intent, d, c)
		if explain != "" {
			res.RouteExplain = append(res.RouteExplain, explain)
		}
		var a attempt
		if fits {
			if tokens < d.Tokens {
				res.Compressed = true
			}
			requestCap := plan.CapFor(contextguard.Limit(pol, c, d.HardCap))
			a = e.attempt(ctx, pol, req.Intent, payload, meta, c, int64(tokens), requestCap, runKey)
			dispatched = true
			f.tier, f.reason = a.tier, a.reason
		} else {
			a = e.skip(c, explain)
			if !dispatched {
				f.reason = a.reason
			}
		}
		res.EscalationTrace = append(res.EscalationTrace, a.trace)

		if a.reason == models.ReasonOK {
			return e.succeed(ctx, res, req, meta, route, c, a, cacheKey, start)
		}
		if a.reason != models.ReasonCircuitOpen {
			allOpen = false
		}
		if (fits && a.reason.Terminal()) || ctx.Err() != nil {
			break
		}
		if i+1 < len(d.Candidates) {
			next := d.Candidates[i+1]
			log.Info().Str("from", c.Provider).Str("to", next.Provider).Str("reason", string(a.reason)).Msg("escalating")
			e.d.Audit.Emit(ctx, models.Envelope{
				Event:     "router.escalate",
				Severity:  models.SeverityWarn,
				Component: "engine",
				Details: map[string]any{
					"intent": req.Intent,
					"from":   c.String(),
					"to":     next.String(),
					"reason": string(a.reason),
				},
			})
		}
	}

	switch {
	case len(res.EscalationTrace) == 0:
		f.reason = models.ReasonNoProvidersAvailable
	case allOpen:
		f.reason, f.msg = models.ReasonAllProvidersUnavailable, "every candidate circuit is open"
	default:
		f.msg = lastDiagnostic(res.EscalationTrace, f.reason)
	}
	return e.fail(ctx, res, f)
}

// attempt drives one candidate through the attempt state machine.
func (e *Engine) attempt(ctx context.Context, pol *policy.Policy, intent string, payload models.Payload, meta models.ContextMetadata, c router.Candidate, tokens int64, requestCap int, runKey string) (a attempt) {
	a = attempt{trace: models.AttemptTrace{Provider: c.Provider, Model: c.Model, States: []models.AttemptState{models.AttemptPlanned}}}
	prov, _ := pol.Provider(c.Provider)
	a.tier = prov.Tier
	start := e.d.Now()
	defer func() { a.trace.LatencyMs = e.d.Now().Sub(start).Milliseconds() }()

	hold, reason := e.d.Budget.Admit(intent, prov.Tier, runKey, tokens, int64(requestCap))
	if reason != models.ReasonOK {
		metrics.BudgetDenials.WithLabelValues(intent, string(reason)).Inc()
		e.d.Audit.Emit(ctx, models.Envelope{
			Event:     "budget.denied",
			Severity:  models.SeverityWarn,
			Component: "engine",
			Details: map[string]any{
				"intent":      intent,
				"tier":        prov.Tier,
				"provider":    c.Provider,
				"reason":      string(reason),
				"tokens":      tokens,
				"request_cap": requestCap,
			},
		})
		return e.settle(a, reason, "budget denied: "+string(reason))
	}
	a.trace.States = append(a.trace.States, models.AttemptBudgetHeld)

	ticket, err := e.d.Circuits.Allow(ctx, c.Provider)
	if err != nil {
		e.d.Budget.Rollback(hold)
		return e.settle(a, models.ReasonCircuitOpen, err.Error())
	}
	a.trace.States = append(a.trace.States, models.AttemptCircuitOK)

	retries := pol.MaxRetries(c.Provider)
	for try := 0; ; try++ {
		a.trace.States = append(a.trace.States, models.AttemptDispatched)
		t0 := e.d.Now()
		resp, err := e.d.Adapters.Dispatch(ctx, prov, c.Model, payload, meta)
		elapsed := e.d.Now().Sub(t0)
		reason = adapter.ReasonOf(err)

		metrics.DispatchLatency.WithLabelValues(c.Provider).Observe(elapsed.Seconds())
		metrics.Attempts.WithLabelValues(c.Provider, reasonLabel(reason)).Inc()
		e.d.Audit.Emit(ctx, models.Envelope{
			Event:     "router.attempt",
			Severity:  attemptSeverity(reason),
			Component: "engine",
			Details: map[string]any{
				"intent":     intent,
				"provider":   c.Provider,
				"model":      c.Model,
				"try":        try,
				"reason":     string(reason),
				"latency_ms": elapsed.Milliseconds(),
				"probe":      ticket.Probe(),
			},
		})

		if reason == models.ReasonOK {
			a.resp = resp
			break
		}
		a.trace.Diagnostic = diagnostic(err)
		if !reason.Retryable() || try >= retries || ctx.Err() != nil {
			break
		}
		a.trace.States = append(a.trace.States, models.AttemptRetry)
		a.trace.Retries++
		if err := e.backoff(ctx, pol.Defaults.Retry, try); err != nil {
			reason = models.ReasonRequestTimeout
			a.trace.Diagnostic = "deadline reached during backoff"
			break
		}
	}
	ticket.Done(ctx, reason)

	if reason == models.ReasonOK {
		a.hold = hold
		a.reason = reason
		a.trace.States = append(a.trace.States, models.AttemptSuccess)
		return a
	}
	e.d.Budget.Rollback(hold)
	return e.settle(a, reason, a.trace.Diagnostic)
}

// skip records a candidate the payload does not fit.
func (e *Engine) skip(c router.Candidate, explain string) attempt {
	a := attempt{trace: models.AttemptTrace{Provider: c.Provider, Model: c.Model, States: []models.AttemptState{models.AttemptPlanned}}}
	a.reason = models.ReasonContextTooLarge
	a.trace.Reason = a.reason
	a.trace.Diagnostic = explain
	a.trace.States = append(a.trace.States, models.AttemptEscalate)
	return a
}

// lastDiagnostic returns the diagnostic of the last attempt that ended with
// reason.
func lastDiagnostic(trace []models.AttemptTrace, reason models.ReasonCode) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Reason == reason {
			return trace[i].Diagnostic
		}
	}
	return trace[len(trace)-1].Diagnostic
}

func (e *Engine) settle(a attempt, reason models.ReasonCode, diag string) attempt {
	a.reason = reason
	a.trace.Reason = reason
	a.trace.Diagnostic = diag
	if reason.Terminal() {
		a.trace.States = append(a.trace.States, models.AttemptAbort)
	} else {
		a.trace.States = append(a.trace.States, models.AttemptEscalate)
	}
	return a
}

// backoff sleeps a full-jitter exponential delay or until ctx is done.
func (e *Engine) backoff(ctx context.Context, rp policy.RetryPolicy, try int) error {
	ceiling := time.Duration(rp.BaseBackoffMs) * time.Millisecond << min(try, 16)
	if limit := time.Duration(rp.MaxBackoffMs) * time.Millisecond; limit > 0 && ceiling > limit {
		ceiling = limit
	}
	t := time.NewTimer(e.d.Jitter(ceiling))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func reasonLabel(r models.ReasonCode) string {
	if r == models.ReasonOK {
		return "ok"
	}
	return string(r)
}

func attemptSeverity(r models.ReasonCode) models.Severity {
	switch {
	case r == models.ReasonOK:
		return models.SeverityInfo
	case r.Terminal():
		return models.SeverityError
	}
	return models.SeverityWarn
}

func diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var ae *adapter.Error
	if errors.As(err, &ae) && ae.Diagnostic != "" {
		return ae.Diagnostic
	}
	return err.Error()
}

// cachedResponse is the cached form of a successful result.
type cachedResponse struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Text     string       `json:"text"`
	Usage    models.Usage `json:"usage"`
}

func (e *Engine) cached(ctx context.Context, res models.Result, key string, start time.Time) (models.Result, bool) {
	raw, ok := e.d.Cache.Get(key)
	if !ok {
		return res, false
	}
	var c cachedResponse
	if err := json.Unmarshal(raw, &c); err != nil {
		e.d.Log.Warn().Err(err).Msg("discarding unreadable cache entry")
		return res, false
	}
	res.OK = true
	res.Cached = true
	res.Provider, res.Model, res.Text, res.Usage = c.Provider, c.Model, c.Text, c.Usage
	res.OutcomeClass = models.OutcomeCached
	res.LatencyMs = e.d.Now().Sub(start).Milliseconds()
	res.RouteExplain = append(res.RouteExplain, "cache: hit")

	metrics.Requests.WithLabelValues(res.Intent, res.OutcomeClass).Inc()
	e.d.Audit.Emit(ctx, models.Envelope{
		Event:     "router.success",
		Component: "engine",
		Details: map[string]any{
			"request_id": res.RequestID,
			"intent":     res.Intent,
			"provider":   c.Provider,
			"model":      c.Model,
			"cached":     true,
			"latency_ms": res.LatencyMs,
		},
	})
	return res, true
}

func (e *Engine) succeed(ctx context.Context, res models.Result, req models.Request, meta models.ContextMetadata, route policy.IntentRoute, c router.Candidate, a attempt, cacheKey string, start time.Time) models.Result {
	usage := a.resp.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = int(a.hold.Tokens) + contextguard.Estimate(a.resp.Text)
	}
	e.d.Budget.Reconcile(a.hold, int64(usage.TotalTokens))
	e.d.Planner.Sticky().Record(meta.SessionID, c.Provider)

	escalations := len(res.EscalationTrace) - 1
	res.OK = true
	res.Provider, res.Model = c.Provider, c.Model
	res.Text, res.Parsed, res.Usage = a.resp.Text, a.resp.Parsed, usage
	res.LatencyMs = e.d.Now().Sub(start).Milliseconds()
	res.OutcomeClass = models.OutcomeSuccess
	if escalations > 0 {
		res.OutcomeClass = models.OutcomeEscalated
	}

	if e.d.Tracker != nil {
		rec := models.UsageRecord{
			Intent:           req.Intent,
			Provider:         c.Provider,
			Model:            c.Model,
			Tier:             a.tier,
			CorrID:           meta.CorrID,
			SessionID:        meta.SessionID,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			LatencyMs:        res.LatencyMs,
			Escalations:      escalations,
		}
		if err := e.d.Tracker.Record(ctx, rec); err != nil {
			e.d.Log.Warn().Err(err).Msg("record usage")
		}
	}
	if e.d.Signals != nil {
		if err := e.d.Signals.Signal("service_request", map[string]any{"intent": req.Intent, "provider": c.Provider}); err != nil {
			e.d.Log.Debug().Err(err).Msg("write activity signal")
		}
	}
	if cacheKey != "" {
		raw, err := json.Marshal(cachedResponse{Provider: c.Provider, Model: c.Model, Text: res.Text, Usage: usage})
		if err == nil {
			err = e.d.Cache.Put(cacheKey, req.Intent, raw, time.Duration(route.CacheTTLSeconds)*time.Second)
		}
		if err != nil {
			e.d.Log.Warn().Err(err).Msg("cache response")
		}
	}

	metrics.Requests.WithLabelValues(req.Intent, res.OutcomeClass).Inc()
	e.d.Audit.Emit(ctx, models.Envelope{
		Event:     "router.success",
		Component: "engine",
		Details: map[string]any{
			"request_id":       res.RequestID,
			"intent":           req.Intent,
			"provider":         c.Provider,
			"model":            c.Model,
			"capability_class": res.CapabilityClass,
			"tokens":           usage.TotalTokens,
			"escalations":      escalations,
			"compressed":       res.Compressed,
			"latency_ms":       res.LatencyMs,
		},
	})
	e.save()
	return res
}

// failure carries what fail needs to build the error detail.
type failure struct {
	reason     models.ReasonCode
	msg        string
	tier       string
	confidence float64
	start      time.Time
}

func (e *Engine) fail(ctx context.Context, res models.Result, f failure) models.Result {
	res.OK = false
	res.ReasonCode = f.reason
	res.OutcomeClass = models.OutcomeFailed
	res.LatencyMs = e.d.Now().Sub(f.start).Milliseconds()
	res.Error = &models.ErrorDetail{
		Type:        f.reason.Category(),
		Tier:        f.tier,
		Confidence:  f.confidence,
		CorrID:      res.CorrID,
		Reason:      f.reason,
		Message:     f.msg,
		Remediation: f.reason.Remediation(),
	}

	metrics.Requests.WithLabelValues(res.Intent, res.OutcomeClass).Inc()
	e.d.Log.Warn().Str("corr_id", res.CorrID).Str("intent", res.Intent).Str("reason", string(f.reason)).Msg("request failed")
	e.d.Audit.Emit(ctx, models.Envelope{
		Event:     "router.failure",
		Severity:  models.SeverityError,
		Component: "engine",
		Details: map[string]any{
			"request_id": res.RequestID,
			"intent":     res.Intent,
			"reason":     string(f.reason),
			"attempts":   len(res.EscalationTrace),
		},
	})
	e.save()
	return res
}

func (e *Engine) save() {
	if err := e.d.Budget.Save(); err != nil {
		e.d.Log.Error().Err(err).Msg("persist budget ledger")
	}
}

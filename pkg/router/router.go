// Package router composes the ordered provider ladder for a request.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/classifier"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

// Candidate is a provider and model to try.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c Candidate) String() string {
	return c.Provider + "/" + c.Model
}

// CircuitChecker reports whether a provider's circuit is open.
type CircuitChecker interface {
	IsOpen(provider string) bool
}

// LoadSample is a point-in-time reading of a local backend.
type LoadSample struct {
	QueueDepth   float64 `json:"queue_depth"`
	KVCacheUsage float64 `json:"kv_cache_usage"`
}

// LoadProber samples local backend load for the metrics gate.
type LoadProber interface {
	Probe(ctx context.Context, prov policy.Provider) (LoadSample, error)
}

// PlanInput is everything the planner needs for one request.
type PlanInput struct {
	Policy     *policy.Policy
	Intent     string
	Meta       models.ContextMetadata
	Capability classifier.Result
}

// Plan is the planner's output.
type Plan struct {
	Intent     string            `json:"intent"`
	Candidates []Candidate       `json:"candidates"`
	RequestCap int               `json:"request_cap"`
	Capability classifier.Label  `json:"capability_class"`
	Confidence float64           `json:"confidence"`
	Explain    []string          `json:"route_explain"`
	Reason     models.ReasonCode `json:"reason_code,omitempty"`
	Gated      []string          `json:"gated,omitempty"`
	Open       []string          `json:"open,omitempty"`
}

// CapFor returns the per-request token cap for a candidate whose input
// limit is limit. The cap is halved when the metrics gate demoted a local
// provider.
func (p Plan) CapFor(limit int) int {
	if len(p.Gated) > 0 {
		return limit / 2
	}
	return limit
}

// Planner resolves intents to ordered candidate ladders.
type Planner struct {
	circuits CircuitChecker
	probe    LoadProber
	sticky   *Sticky
	log      zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithCircuits filters providers whose circuit is open.
func WithCircuits(c CircuitChecker) Option { return func(p *Planner) { p.circuits = c } }

// WithLoadProber enables the metrics gate for local providers.
func WithLoadProber(lp LoadProber) Option { return func(p *Planner) { p.probe = lp } }

// WithSticky enables session affinity.
func WithSticky(s *Sticky) Option { return func(p *Planner) { p.sticky = s } }

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option { return func(p *Planner) { p.log = l } }

// New creates a Planner.
func New(opts ...Option) *Planner {
	p := &Planner{log: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Sticky returns the planner's session affinity map, or nil.
func (pl *Planner) Sticky() *Sticky { return pl.sticky }

// Plan composes the ladder. Each step appends one line to Explain.
func (pl *Planner) Plan(ctx context.Context, in PlanInput) Plan {
	pol := in.Policy
	out := Plan{
		Intent:     in.Intent,
		Capability: in.Capability.Label,
		Confidence: in.Capability.Confidence,
		RequestCap: pol.Defaults.GlobalTokenCap,
	}
	explain := func(format string, args ...any) {
		out.Explain = append(out.Explain, fmt.Sprintf(format, args...))
	}

	route, ok := pol.Intent(in.Intent)
	if !ok {
		out.Reason = models.ReasonInvalidIntent
		explain("intent %q is not declared", in.Intent)
		return out
	}

	// 1. intent order, skipping unknown providers
	var order []string
	for _, id := range route.Order {
		if _, ok := pol.Provider(id); ok {
			order = append(order, id)
		}
	}
	explain("order: %s", list(order))

	// 2. capability preference
	if pref, ok := pol.Routing.CapabilityRouter[string(in.Capability.Label)]; ok && contains(order, pref) {
		order = promote(order, pref)
		explain("capability %s (%.2f): prefer %s", in.Capability.Label, in.Capability.Confidence, pref)
	} else {
		explain("capability %s: no preference", labelOr(in.Capability.Label))
	}

	// 3. metrics gate
	order = pl.gate(ctx, pol, order, &out, explain)

	// 4. affect
	if in.Meta.Urgency > 0.9 || in.Meta.Valence < -0.5 {
		if fast := firstLowLatency(pol, order); fast != "" {
			order = promote(order, fast)
			explain("affect: urgency %.2f valence %.2f promotes %s", in.Meta.Urgency, in.Meta.Valence, fast)
		} else {
			explain("affect: no low-latency provider in ladder")
		}
	} else {
		explain("affect: neutral")
	}

	// 5. sticky session
	if prev, ok := pl.sticky.Lookup(in.Meta.SessionID); ok && contains(order, prev) {
		order = promote(order, prev)
		explain("sticky: session %s prefers %s", in.Meta.SessionID, prev)
	} else {
		explain("sticky: none")
	}

	// 6. open circuits
	beforeCircuits := len(order)
	if pl.circuits != nil {
		kept := order[:0:0]
		for _, id := range order {
			if pl.circuits.IsOpen(id) {
				out.Open = append(out.Open, id)
				continue
			}
			kept = append(kept, id)
		}
		order = kept
	}
	if len(out.Open) > 0 {
		explain("circuits: open %s", list(out.Open))
	} else {
		explain("circuits: all closed")
	}

	// 7. paid, remote and overrides
	ov := mergeOverrides(route.Overrides, in.Meta.Overrides)
	allowPaid := route.AllowPaid
	if ov.AllowPaid != nil {
		allowPaid = *ov.AllowPaid
	}
	keep := func(id string) bool {
		prov, ok := pol.Provider(id)
		if !ok {
			return false
		}
		if prov.Paid && !allowPaid {
			return false
		}
		if prov.Remote && !pol.Defaults.RemoteRoutingEnabled {
			return false
		}
		return !contains(ov.Exclude, id)
	}
	var removed []string
	filtered := order[:0:0]
	for _, id := range order {
		if keep(id) {
			filtered = append(filtered, id)
		} else {
			removed = append(removed, id)
		}
	}
	order = filtered
	if ov.ForceProvider != "" {
		if keep(ov.ForceProvider) && !(pl.circuits != nil && pl.circuits.IsOpen(ov.ForceProvider)) {
			order = []string{ov.ForceProvider}
		} else {
			order = nil
		}
	}
	explain("filters: allow_paid=%t remote=%t removed %s%s", allowPaid, pol.Defaults.RemoteRoutingEnabled, list(removed), overrideNote(ov))

	for i, id := range order {
		prov, _ := pol.Provider(id)
		model := ""
		if m, ok := prov.Model(""); ok {
			model = m.ID
		}
		if i == 0 && ov.ForceModel != "" {
			model = ov.ForceModel
		}
		out.Candidates = append(out.Candidates, Candidate{Provider: id, Model: model})
	}

	if len(out.Candidates) > 0 {
		head := out.Candidates[0]
		out.RequestCap = out.CapFor(pol.InputCap(head.Provider, head.Model))
	}

	if len(out.Candidates) == 0 {
		if beforeCircuits > 0 && len(out.Open) == beforeCircuits {
			out.Reason = models.ReasonAllProvidersUnavailable
		} else {
			out.Reason = models.ReasonNoProvidersAvailable
		}
	}
	return out
}

func (pl *Planner) gate(ctx context.Context, pol *policy.Policy, order []string, out *Plan, explain func(string, ...any)) []string {
	if pl.probe == nil {
		explain("metrics gate: disabled")
		return order
	}
	g := pol.Defaults.MetricsGate
	var notes []string
	for _, id := range append([]string(nil), order...) {
		prov, _ := pol.Provider(id)
		if !prov.Local || prov.MetricsURL == "" {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, time.Duration(g.ProbeTimeoutMs)*time.Millisecond)
		s, err := pl.probe.Probe(pctx, prov)
		cancel()
		if err != nil {
			pl.log.Debug().Err(err).Str("provider", id).Msg("metrics probe failed")
			notes = append(notes, id+" probe failed")
			continue
		}
		if s.QueueDepth >= g.QueueSpillThreshold || s.KVCacheUsage >= g.KVPressureThreshold {
			order = demote(order, id)
			out.Gated = append(out.Gated, id)
			notes = append(notes, fmt.Sprintf("%s queue=%.0f kv=%.2f demoted", id, s.QueueDepth, s.KVCacheUsage))
			continue
		}
		notes = append(notes, fmt.Sprintf("%s queue=%.0f kv=%.2f ok", id, s.QueueDepth, s.KVCacheUsage))
	}
	if len(out.Gated) > 0 {
		notes = append(notes, "request cap halved")
	}
	if len(notes) == 0 {
		explain("metrics gate: no local probes")
	} else {
		explain("metrics gate: %s", strings.Join(notes, "; "))
	}
	return order
}

func mergeOverrides(base, req models.Overrides) models.Overrides {
	out := base
	if req.ForceProvider != "" {
		out.ForceProvider = req.ForceProvider
	}
	if req.ForceModel != "" {
		out.ForceModel = req.ForceModel
	}
	if req.AllowPaid != nil {
		out.AllowPaid = req.AllowPaid
	}
	out.Exclude = append(append([]string(nil), base.Exclude...), req.Exclude...)
	return out
}

func overrideNote(ov models.Overrides) string {
	var parts []string
	if ov.ForceProvider != "" {
		parts = append(parts, "force_provider="+ov.ForceProvider)
	}
	if ov.ForceModel != "" {
		parts = append(parts, "force_model="+ov.ForceModel)
	}
	if len(ov.Exclude) > 0 {
		parts = append(parts, "exclude="+strings.Join(ov.Exclude, ","))
	}
	if len(parts) == 0 {
		return ""
	}
	return "; " + strings.Join(parts, " ")
}

func firstLowLatency(pol *policy.Policy, order []string) string {
	for _, id := range order {
		if prov, ok := pol.Provider(id); ok && prov.LowLatency {
			return id
		}
	}
	return ""
}

func labelOr(l classifier.Label) string {
	if l == "" {
		return "unclassified"
	}
	return string(l)
}

func list(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	return "[" + strings.Join(ids, " ") + "]"
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// promote moves id to the front keeping the rest stable.
func promote(order []string, id string) []string {
	out := make([]string, 0, len(order))
	out = append(out, id)
	for _, v := range order {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// demote moves id to the tail keeping the rest stable.
func demote(order []string, id string) []string {
	out := make([]string, 0, len(order))
	for _, v := range order {
		if v != id {
			out = append(out, v)
		}
	}
	return append(out, id)
}

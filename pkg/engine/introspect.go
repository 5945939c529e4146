package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/classifier"
	"github.com/pario-ai/ladder/pkg/contextguard"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/router"
)

// Selection is the head of the ladder for an intent without dispatching.
type Selection struct {
	Intent          string             `json:"intent"`
	Provider        string             `json:"provider"`
	Model           string             `json:"model"`
	Tier            string             `json:"tier"`
	Candidates      []router.Candidate `json:"candidates"`
	RequestCap      int                `json:"request_cap"`
	CapabilityClass classifier.Label   `json:"capability_class"`
	Confidence      float64            `json:"confidence"`
	RouteExplain    []string           `json:"route_explain"`
}

// IntentStatus is the live view of one intent's route and budgets.
type IntentStatus struct {
	Intent        string                   `json:"intent"`
	Order         []string                 `json:"order"`
	AllowPaid     bool                     `json:"allow_paid"`
	RemoteAllowed bool                     `json:"remote_allowed"`
	PairingGate   bool                     `json:"pairing_gate"`
	TimeoutMs     int64                    `json:"timeout_ms"`
	CacheTTL      int                      `json:"cache_ttl_seconds"`
	Budgets       []models.BudgetStatus    `json:"budgets"`
	Circuits      map[string]circuit.State `json:"circuits"`
}

// Explain is a dry run of planning and the context guard.
type Explain struct {
	Selection
	Tokens         int                `json:"tokens"`
	OriginalTokens int                `json:"original_tokens"`
	HardCap        int                `json:"hard_cap"`
	SoftCap        int                `json:"soft_cap"`
	Compressed     bool               `json:"compressed"`
	Spilled        bool               `json:"spilled"`
	Guarded        []router.Candidate `json:"guarded_candidates"`
	Reason         models.ReasonCode  `json:"reason_code,omitempty"`
}

func (e *Engine) plan(ctx context.Context, intent string, meta models.ContextMetadata, text string) (router.Plan, error) {
	pol := e.d.Policies.Current()
	if _, ok := pol.Intent(intent); !ok {
		return router.Plan{}, &Error{Reason: models.ReasonInvalidIntent, Message: fmt.Sprintf("intent %q is not declared", intent)}
	}
	if meta.InputText != "" {
		text = meta.InputText
	}
	return e.d.Planner.Plan(ctx, router.PlanInput{Policy: pol, Intent: intent, Meta: meta, Capability: classifier.Classify(text)}), nil
}

func (e *Engine) selection(p router.Plan) Selection {
	s := Selection{
		Intent:          p.Intent,
		Candidates:      p.Candidates,
		RequestCap:      p.RequestCap,
		CapabilityClass: p.Capability,
		Confidence:      p.Confidence,
		RouteExplain:    p.Explain,
	}
	if len(p.Candidates) > 0 {
		s.Provider, s.Model = p.Candidates[0].Provider, p.Candidates[0].Model
		if prov, ok := e.d.Policies.Current().Provider(s.Provider); ok {
			s.Tier = prov.Tier
		}
	}
	return s
}

// SelectModel returns the provider and model Execute would try first.
func (e *Engine) SelectModel(ctx context.Context, intent string, meta models.ContextMetadata) (Selection, error) {
	p, err := e.plan(ctx, intent, meta, "")
	if err != nil {
		return Selection{}, err
	}
	if p.Reason != models.ReasonOK {
		return e.selection(p), &Error{Reason: p.Reason}
	}
	return e.selection(p), nil
}

// IntentStatus reports an intent's route, today's budgets and circuit states.
func (e *Engine) IntentStatus(intent string) (IntentStatus, error) {
	pol := e.d.Policies.Current()
	route, ok := pol.Intent(intent)
	if !ok {
		return IntentStatus{}, &Error{Reason: models.ReasonInvalidIntent, Message: fmt.Sprintf("intent %q is not declared", intent)}
	}
	st := IntentStatus{
		Intent:        intent,
		Order:         route.Order,
		AllowPaid:     route.AllowPaid,
		RemoteAllowed: pol.RemoteAllowed(intent),
		PairingGate:   route.PairingGate,
		TimeoutMs:     pol.Timeout(intent).Milliseconds(),
		CacheTTL:      route.CacheTTLSeconds,
		Budgets:       e.d.Budget.Status(intent),
		Circuits:      make(map[string]circuit.State, len(route.Order)),
	}
	for _, id := range route.Order {
		st.Circuits[id] = e.d.Circuits.State(id)
	}
	return st, nil
}

// ExplainRoute plans and runs the context guard without dispatching or
// emitting envelopes.
func (e *Engine) ExplainRoute(ctx context.Context, intent string, meta models.ContextMetadata, payload models.Payload) (Explain, error) {
	req := models.Request{Intent: intent, Payload: payload, Meta: meta}
	p, err := e.plan(ctx, intent, meta, req.ClassifierText())
	if err != nil {
		return Explain{}, err
	}
	out := Explain{Selection: e.selection(p), Reason: p.Reason}
	if p.Reason != models.ReasonOK {
		return out, nil
	}
	dry := contextguard.New(zerolog.Nop(), audit.Nop{})
	d := dry.Check(ctx, contextguard.Input{Policy: e.d.Policies.Current(), Intent: intent, Payload: payload, Candidates: p.Candidates})
	out.RouteExplain = append(out.RouteExplain, d.Explain)
	out.Tokens, out.OriginalTokens = d.Tokens, d.OriginalTokens
	out.HardCap, out.SoftCap = d.HardCap, d.SoftCap
	out.Compressed, out.Spilled = d.Compressed, d.Spilled
	out.Guarded = d.Candidates
	out.Reason = d.Reason
	return out, nil
}

// Package contextguard keeps request payloads within provider input caps by
// compressing them or spilling the ladder to a larger remote provider.
package contextguard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
)

// SoftRatio is the fraction of the hard cap below which payloads pass untouched.
const SoftRatio = 0.75

// Input is one guard check.
type Input struct {
	Policy     *policy.Policy
	Intent     string
	Payload    models.Payload
	Candidates []router.Candidate
}

// Decision is the guard's verdict.
type Decision struct {
	Payload        models.Payload
	Candidates     []router.Candidate
	OriginalTokens int
	Tokens         int
	HardCap        int
	SoftCap        int
	Compressed     bool
	Spilled        bool
	Reason         models.ReasonCode
	Explain        string
}

// OK reports whether the request may proceed.
func (d Decision) OK() bool { return d.Reason == models.ReasonOK }

// Guard checks payload size against the head candidate.
type Guard struct {
	log   zerolog.Logger
	audit audit.Emitter
}

// New creates a Guard.
func New(log zerolog.Logger, em audit.Emitter) *Guard {
	if em == nil {
		em = audit.Nop{}
	}
	return &Guard{log: log, audit: em}
}

// Caps returns the hard and soft caps for a candidate.
func Caps(pol *policy.Policy, c router.Candidate) (hard, soft int) {
	hard = pol.InputCap(c.Provider, c.Model)
	return hard, int(float64(hard) * SoftRatio)
}

// Check applies the soft/hard cap rules and the overflow policy.
func (g *Guard) Check(ctx context.Context, in Input) Decision {
	pol := in.Policy
	d := Decision{Payload: in.Payload, Candidates: in.Candidates}

	if len(in.Candidates) > 0 {
		d.HardCap, d.SoftCap = Caps(pol, in.Candidates[0])
	} else {
		d.HardCap = pol.Defaults.GlobalTokenCap
		d.SoftCap = int(float64(d.HardCap) * SoftRatio)
	}
	d.OriginalTokens = Estimate(in.Payload.Text())
	d.Tokens = d.OriginalTokens

	switch {
	case d.Tokens <= d.SoftCap:
		d.Explain = fmt.Sprintf("context: %d tokens within soft cap %d", d.Tokens, d.SoftCap)
		return d

	case d.Tokens <= d.HardCap:
		if p, after := compressPayload(in.Payload); after < d.Tokens {
			d.Payload, d.Tokens, d.Compressed = p, after, true
			g.compressed(ctx, in, d, "soft_cap")
		}
		d.Explain = fmt.Sprintf("context: %d tokens over soft cap %d, compressed to %d", d.OriginalTokens, d.SoftCap, d.Tokens)
		return d
	}

	switch pol.Defaults.OverflowPolicy {
	case policy.OverflowCompress:
		p, after := compressPayload(in.Payload)
		if after > d.HardCap {
			d.Tokens = after
			return tooLarge(d, fmt.Sprintf("context: %d tokens still over hard cap %d after compression", after, d.HardCap))
		}
		d.Payload, d.Tokens, d.Compressed = p, after, true
		g.compressed(ctx, in, d, "overflow")
		d.Explain = fmt.Sprintf("context: %d tokens over hard cap %d, compressed to %d", d.OriginalTokens, d.HardCap, d.Tokens)
		return d

	case policy.OverflowSpillRemote:
		if !pol.RemoteAllowed(in.Intent) {
			return tooLarge(d, fmt.Sprintf("context: %d tokens over hard cap %d and remote routing is not allowed for %s", d.Tokens, d.HardCap, in.Intent))
		}
		fits := spill(pol, in.Candidates, d.HardCap, d.Tokens)
		if len(fits) == 0 {
			return tooLarge(d, fmt.Sprintf("context: %d tokens fit no candidate", d.Tokens))
		}
		d.Candidates, d.Spilled = fits, true
		d.Explain = fmt.Sprintf("context: %d tokens over hard cap %d, spilled to %s", d.Tokens, d.HardCap, fits[0].Provider)
		g.log.Debug().Str("intent", in.Intent).Str("provider", fits[0].Provider).Int("tokens", d.Tokens).Msg("context spill")
		return d

	default:
		return tooLarge(d, fmt.Sprintf("context: %d tokens over hard cap %d, overflow rejected", d.Tokens, d.HardCap))
	}
}

func tooLarge(d Decision, explain string) Decision {
	d.Reason = models.ReasonContextTooLarge
	d.Explain = explain
	return d
}

// Limit returns a candidate's input limit: the model's declared input_cap,
// or hard x remote_headroom for remote providers without one. Both are
// lowered to the provider's max_request_tokens. Unknown providers get 0.
func Limit(pol *policy.Policy, c router.Candidate, hard int) int {
	prov, ok := pol.Provider(c.Provider)
	if !ok {
		return 0
	}
	if m, ok := prov.Model(c.Model); prov.Remote && (!ok || m.InputCap <= 0) {
		limit := int(float64(hard) * pol.Defaults.RemoteHeadroom)
		if prov.MaxRequestTokens > 0 {
			limit = min(limit, prov.MaxRequestTokens)
		}
		return limit
	}
	return pol.InputCap(c.Provider, c.Model)
}

// Fit checks a guarded payload against one candidate's limit before it is
// dispatched there. A payload over the limit is compressed once more; ok is
// false when it still does not fit, and explain says why.
func (g *Guard) Fit(ctx context.Context, pol *policy.Policy, intent string, d Decision, c router.Candidate) (p models.Payload, tokens int, explain string, ok bool) {
	limit := Limit(pol, c, d.HardCap)
	if d.Tokens <= limit {
		return d.Payload, d.Tokens, "", true
	}
	p, after := compressPayload(d.Payload)
	if after > limit {
		return d.Payload, d.Tokens, fmt.Sprintf("context: %d tokens over %s limit %d, skipped", d.Tokens, c.Provider, limit), false
	}
	ev := d
	ev.Tokens, ev.HardCap, ev.SoftCap = after, limit, int(float64(limit)*SoftRatio)
	g.compressed(ctx, Input{Policy: pol, Intent: intent, Candidates: []router.Candidate{c}}, ev, "escalation")
	return p, after, fmt.Sprintf("context: %d tokens over %s limit %d, compressed to %d", d.Tokens, c.Provider, limit, after), true
}

func spill(pol *policy.Policy, cands []router.Candidate, hard, tokens int) []router.Candidate {
	var fits []router.Candidate
	best, bestLimit := -1, 0
	for _, c := range cands {
		limit := Limit(pol, c, hard)
		if limit < tokens {
			continue
		}
		if prov, _ := pol.Provider(c.Provider); prov.Remote && limit > bestLimit {
			best, bestLimit = len(fits), limit
		}
		fits = append(fits, c)
	}
	if best > 0 {
		head := fits[best]
		copy(fits[1:best+1], fits[:best])
		fits[0] = head
	}
	return fits
}

func compressPayload(p models.Payload) (models.Payload, int) {
	out := p.Clone()
	out.Prompt = Compress(out.Prompt)
	for i, m := range out.Messages {
		if m.Role == "system" {
			continue
		}
		out.Messages[i].Content = Compress(m.Content)
	}
	return out, Estimate(out.Text())
}

func (g *Guard) compressed(ctx context.Context, in Input, d Decision, trigger string) {
	metrics.ContextCompressions.Inc()
	provider := ""
	if len(in.Candidates) > 0 {
		provider = in.Candidates[0].Provider
	}
	g.audit.Emit(ctx, models.Envelope{
		Event:     "context.compressed",
		Component: "contextguard",
		Details: map[string]any{
			"intent":        in.Intent,
			"provider":      provider,
			"trigger":       trigger,
			"tokens_before": d.OriginalTokens,
			"tokens_after":  d.Tokens,
			"hard_cap":      d.HardCap,
			"soft_cap":      d.SoftCap,
		},
	})
}

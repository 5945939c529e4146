package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/ladder/pkg/classifier"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/policy/policytest"
)

type fakeCircuits map[string]bool

func (f fakeCircuits) IsOpen(provider string) bool { return f[provider] }

type fakeProber struct {
	samples map[string]LoadSample
	err     error
}

func (f fakeProber) Probe(_ context.Context, prov policy.Provider) (LoadSample, error) {
	if f.err != nil {
		return LoadSample{}, f.err
	}
	return f.samples[prov.ID], nil
}

var (
	mechanical = classifier.Result{Label: classifier.Mechanical, Confidence: 1}
	planning   = classifier.Result{Label: classifier.Planning, Confidence: 1}
)

func providers(p Plan) []string {
	var ids []string
	for _, c := range p.Candidates {
		ids = append(ids, c.Provider)
	}
	return ids
}

func withMetricsURL(p *policy.Policy) {
	prov := p.Providers["local_low_latency"]
	prov.MetricsURL = "http://127.0.0.1:9/metrics"
	p.Providers["local_low_latency"] = prov
}

func TestPlanMechanical(t *testing.T) {
	pl := New()
	plan := pl.Plan(context.Background(), PlanInput{
		Policy:     policytest.Scenario(t),
		Intent:     "conversation",
		Capability: mechanical,
	})

	require.Equal(t, models.ReasonOK, plan.Reason)
	want := []Candidate{
		{Provider: "local_low_latency", Model: "qwen2.5-7b-instruct"},
		{Provider: "cloud_planner", Model: "planner-large"},
	}
	if diff := cmp.Diff(want, plan.Candidates); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	wantExplain := []string{
		"order: [local_low_latency cloud_planner]",
		"capability mechanical_execution (1.00): prefer local_low_latency",
		"metrics gate: disabled",
		"affect: neutral",
		"sticky: none",
		"circuits: all closed",
		"filters: allow_paid=false remote=true removed []",
	}
	if diff := cmp.Diff(wantExplain, plan.Explain); diff != "" {
		t.Errorf("explain mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4096, plan.RequestCap, "head input_cap")
	assert.Equal(t, classifier.Mechanical, plan.Capability)
}

func TestPlanPlanningPrefersCloud(t *testing.T) {
	plan := New().Plan(context.Background(), PlanInput{
		Policy:     policytest.Scenario(t),
		Intent:     "conversation",
		Capability: planning,
	})
	assert.Equal(t, []string{"cloud_planner", "local_low_latency"}, providers(plan))
}

func TestPlanUnknownIntent(t *testing.T) {
	plan := New().Plan(context.Background(), PlanInput{Policy: policytest.Scenario(t), Intent: "nope"})
	assert.Equal(t, models.ReasonInvalidIntent, plan.Reason)
	assert.Empty(t, plan.Candidates)
}

func TestPlanMetricsGate(t *testing.T) {
	pol := policytest.Scenario(t, withMetricsURL)

	busy := New(WithLoadProber(fakeProber{samples: map[string]LoadSample{
		"local_low_latency": {QueueDepth: 8},
	}}))
	plan := busy.Plan(context.Background(), PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Equal(t, []string{"cloud_planner", "local_low_latency"}, providers(plan))
	assert.Equal(t, 16000, plan.RequestCap, "cloud_planner input_cap halved")
	assert.Equal(t, []string{"local_low_latency"}, plan.Gated)
	assert.Equal(t, "metrics gate: local_low_latency queue=8 kv=0.00 demoted; request cap halved", plan.Explain[2])

	pressure := New(WithLoadProber(fakeProber{samples: map[string]LoadSample{
		"local_low_latency": {KVCacheUsage: 0.95},
	}}))
	plan = pressure.Plan(context.Background(), PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Equal(t, "cloud_planner", plan.Candidates[0].Provider)

	idle := New(WithLoadProber(fakeProber{samples: map[string]LoadSample{
		"local_low_latency": {QueueDepth: 7, KVCacheUsage: 0.5},
	}}))
	plan = idle.Plan(context.Background(), PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Equal(t, "local_low_latency", plan.Candidates[0].Provider)
	assert.Equal(t, 4096, plan.RequestCap)

	broken := New(WithLoadProber(fakeProber{err: errors.New("connection refused")}))
	plan = broken.Plan(context.Background(), PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Equal(t, "local_low_latency", plan.Candidates[0].Provider)
	assert.Equal(t, "metrics gate: local_low_latency probe failed", plan.Explain[2])
}

func TestPlanAffectPromotesLowLatency(t *testing.T) {
	pol := policytest.Scenario(t)
	for _, meta := range []models.ContextMetadata{{Urgency: 0.95}, {Valence: -0.8}} {
		plan := New().Plan(context.Background(), PlanInput{Policy: pol, Intent: "conversation", Meta: meta, Capability: planning})
		assert.Equal(t, "local_low_latency", plan.Candidates[0].Provider)
	}

	plan := New().Plan(context.Background(), PlanInput{
		Policy: pol, Intent: "conversation", Meta: models.ContextMetadata{Urgency: 0.9}, Capability: planning,
	})
	assert.Equal(t, "cloud_planner", plan.Candidates[0].Provider, "0.9 is not above the threshold")
}

func TestPlanSticky(t *testing.T) {
	sticky := NewSticky(16, time.Minute)
	sticky.Record("s1", "cloud_planner")
	pl := New(WithSticky(sticky))

	plan := pl.Plan(context.Background(), PlanInput{
		Policy: policytest.Scenario(t), Intent: "conversation",
		Meta: models.ContextMetadata{SessionID: "s1"}, Capability: mechanical,
	})
	assert.Equal(t, "cloud_planner", plan.Candidates[0].Provider)
	assert.Equal(t, "sticky: session s1 prefers cloud_planner", plan.Explain[4])

	plan = pl.Plan(context.Background(), PlanInput{
		Policy: policytest.Scenario(t), Intent: "conversation",
		Meta: models.ContextMetadata{SessionID: "s2"}, Capability: mechanical,
	})
	assert.Equal(t, "local_low_latency", plan.Candidates[0].Provider)
}

func TestStickyExpires(t *testing.T) {
	sticky := NewSticky(4, 50*time.Millisecond)
	sticky.Record("s1", "local_bulk")
	got, ok := sticky.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "local_bulk", got)

	assert.Eventually(t, func() bool {
		_, ok := sticky.Lookup("s1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	var nilSticky *Sticky
	nilSticky.Record("s", "p")
	_, ok = nilSticky.Lookup("s")
	assert.False(t, ok)
}

func TestPlanOpenCircuits(t *testing.T) {
	pol := policytest.Scenario(t)

	plan := New(WithCircuits(fakeCircuits{"local_low_latency": true})).Plan(context.Background(),
		PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Equal(t, []string{"cloud_planner"}, providers(plan))
	assert.Equal(t, []string{"local_low_latency"}, plan.Open)
	assert.Equal(t, "circuits: open [local_low_latency]", plan.Explain[5])

	plan = New(WithCircuits(fakeCircuits{"local_low_latency": true, "cloud_planner": true})).Plan(context.Background(),
		PlanInput{Policy: pol, Intent: "conversation", Capability: mechanical})
	assert.Empty(t, plan.Candidates)
	assert.Equal(t, models.ReasonAllProvidersUnavailable, plan.Reason)
}

func TestPlanPaidAndRemoteFilters(t *testing.T) {
	pol := policytest.Scenario(t)

	plan := New().Plan(context.Background(), PlanInput{Policy: pol, Intent: "coding"})
	assert.Equal(t, []string{"local_bulk", "cloud_coder"}, providers(plan))

	deny := false
	plan = New().Plan(context.Background(), PlanInput{
		Policy: pol, Intent: "coding",
		Meta: models.ContextMetadata{Overrides: models.Overrides{AllowPaid: &deny}},
	})
	assert.Equal(t, []string{"local_bulk"}, providers(plan))

	local := policytest.Scenario(t, func(p *policy.Policy) { p.Defaults.RemoteRoutingEnabled = false })
	plan = New().Plan(context.Background(), PlanInput{Policy: local, Intent: "conversation", Capability: planning})
	assert.Equal(t, []string{"local_low_latency"}, providers(plan))
	assert.Equal(t, "filters: allow_paid=false remote=false removed [cloud_planner]", plan.Explain[6])
}

func TestPlanOverrides(t *testing.T) {
	pol := policytest.Scenario(t)

	plan := New().Plan(context.Background(), PlanInput{
		Policy: pol, Intent: "conversation",
		Meta: models.ContextMetadata{Overrides: models.Overrides{Exclude: []string{"local_low_latency"}}},
	})
	assert.Equal(t, []string{"cloud_planner"}, providers(plan))

	plan = New().Plan(context.Background(), PlanInput{
		Policy: pol, Intent: "conversation",
		Meta: models.ContextMetadata{Overrides: models.Overrides{ForceProvider: "local_bulk", ForceModel: "llama-3.1-70b"}},
	})
	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, Candidate{Provider: "local_bulk", Model: "llama-3.1-70b"}, plan.Candidates[0])

	plan = New().Plan(context.Background(), PlanInput{
		Policy: pol, Intent: "conversation",
		Meta: models.ContextMetadata{Overrides: models.Overrides{ForceProvider: "cloud_coder"}},
	})
	assert.Empty(t, plan.Candidates, "forced paid provider is still filtered")
	assert.Equal(t, models.ReasonNoProvidersAvailable, plan.Reason)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/ladder/pkg/adapter"
	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/budget"
	cachepkg "github.com/pario-ai/ladder/pkg/cache/sqlite"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/classifier"
	"github.com/pario-ai/ladder/pkg/contextguard"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/pairing"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/policy/policytest"
	"github.com/pario-ai/ladder/pkg/router"
	"github.com/pario-ai/ladder/pkg/tracker"
)

type harness struct {
	eng      *Engine
	mock     *adapter.MockAdapter
	rec      *audit.Recorder
	budget   *budget.Accountant
	circuits *circuit.Breaker
}

func newHarness(t *testing.T, pol *policy.Policy, opts ...func(*Deps)) *harness {
	t.Helper()
	store := policy.NewStaticStore(pol)
	rec := &audit.Recorder{}

	san := adapter.NewSanitizer(true, zerolog.Nop(), rec)
	reg := adapter.NewRegistry(san, zerolog.Nop())
	mock := adapter.NewMock(san)
	reg.Register(mock)

	acct, err := budget.New("", store.Current)
	require.NoError(t, err)
	breaker, err := circuit.New("", func() policy.CircuitPolicy { return store.Current().Defaults.Circuit }, circuit.WithEmitter(rec))
	require.NoError(t, err)

	d := Deps{
		Policies: store,
		Planner:  router.New(router.WithCircuits(breaker), router.WithSticky(router.NewSticky(64, time.Minute))),
		Guard:    contextguard.New(zerolog.Nop(), rec),
		Budget:   acct,
		Circuits: breaker,
		Adapters: reg,
		Audit:    rec,
		Log:      zerolog.Nop(),
		Jitter:   func(time.Duration) time.Duration { return 0 },
	}
	for _, o := range opts {
		o(&d)
	}
	return &harness{eng: New(d), mock: mock, rec: rec, budget: acct, circuits: breaker}
}

func ask(intent, text string) models.Request {
	return models.Request{
		Intent:  intent,
		Payload: models.Payload{Messages: []models.Message{{Role: "user", Content: text}}},
	}
}

func states(ss ...models.AttemptState) []models.AttemptState { return ss }

func TestMechanicalShortStaysLocal(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	res := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py and run tests"))

	require.True(t, res.OK, "error: %+v", res.Error)
	assert.Equal(t, "local_low_latency", res.Provider)
	assert.Equal(t, "qwen2.5-7b-instruct", res.Model)
	assert.Equal(t, string(classifier.Mechanical), res.CapabilityClass)
	assert.Equal(t, models.OutcomeSuccess, res.OutcomeClass)
	assert.Equal(t, "ok", res.Text)
	assert.NotEmpty(t, res.CorrID)
	assert.NotEmpty(t, res.RequestID)

	require.Len(t, res.EscalationTrace, 1)
	want := states(models.AttemptPlanned, models.AttemptBudgetHeld, models.AttemptCircuitOK, models.AttemptDispatched, models.AttemptSuccess)
	if diff := cmp.Diff(want, res.EscalationTrace[0].States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	succ := h.rec.Events("router.success")
	require.Len(t, succ, 1)
	assert.Equal(t, res.RequestID, succ[0].Details["request_id"])
	assert.Equal(t, res.CorrID, succ[0].CorrID)
}

func TestPlanningPrefersCloud(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	res := h.eng.Execute(context.Background(), ask("conversation", "plan architecture and evaluate trade-offs"))
	require.True(t, res.OK)
	assert.Equal(t, "cloud_planner", res.Provider)
	assert.Equal(t, string(classifier.Planning), res.CapabilityClass)
}

func longPlanningPrompt() string {
	return strings.Repeat("Plan the architecture and evaluate the trade-offs of each option. ", 400)
}

func TestOverflowSpillsToRemote(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	req := ask("conversation", longPlanningPrompt())
	require.Greater(t, len(req.Payload.Text()), 25000)

	res := h.eng.Execute(context.Background(), req)
	require.True(t, res.OK, "error: %+v", res.Error)
	assert.Equal(t, "cloud_planner", res.Provider)
	assert.Empty(t, h.mock.CallsTo("local_low_latency"))
}

func TestOverflowRejectedWithoutRemote(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) { p.Defaults.RemoteRoutingEnabled = false })
	h := newHarness(t, pol)

	res := h.eng.Execute(context.Background(), ask("conversation", longPlanningPrompt()))
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonContextTooLarge, res.ReasonCode)
	require.NotNil(t, res.Error)
	assert.Equal(t, "input", res.Error.Type)
	assert.NotEmpty(t, res.Error.Remediation)
	assert.Empty(t, h.mock.Calls())
	assert.Len(t, h.rec.Events("router.failure"), 1)
}

// overCapPlanningPrompt is a planning request above the scenario's 8000
// token global cap and within cloud_planner's 32000 input_cap.
func overCapPlanningPrompt() string {
	return strings.Repeat("Plan the architecture and evaluate the trade-offs of each option. ", 610)
}

func TestPayloadAboveGlobalCapUsesCandidateLimit(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	req := ask("planning", overCapPlanningPrompt())
	require.Greater(t, contextguard.Estimate(req.Payload.Text()), 8000)

	res := h.eng.Execute(context.Background(), req)
	require.True(t, res.OK, "error: %+v", res.Error)
	assert.Equal(t, "cloud_planner", res.Provider)
	assert.Equal(t, models.OutcomeSuccess, res.OutcomeClass)
	assert.False(t, res.Compressed)
	assert.Empty(t, h.rec.Events("budget.denied"))
	require.Len(t, h.mock.CallsTo("cloud_planner"), 1)
	assert.Equal(t, req.Payload.Text(), h.mock.CallsTo("cloud_planner")[0].Payload.Text())
}

func TestEscalationRefitsSmallerCandidate(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	h.mock.Handle("cloud_planner", adapter.Fail(models.ReasonRequestHTTP5xx))

	res := h.eng.Execute(context.Background(), ask("planning", overCapPlanningPrompt()))
	require.True(t, res.OK, "error: %+v", res.Error)
	assert.Equal(t, "local_bulk", res.Provider)
	assert.Equal(t, models.OutcomeEscalated, res.OutcomeClass)
	assert.True(t, res.Compressed)

	calls := h.mock.CallsTo("local_bulk")
	require.Len(t, calls, 1)
	assert.LessOrEqual(t, contextguard.Estimate(calls[0].Payload.Text()), 8192)

	events := h.rec.Events("context.compressed")
	require.Len(t, events, 1)
	assert.Equal(t, "escalation", events[0].Details["trigger"])
	assert.Equal(t, "local_bulk", events[0].Details["provider"])
}

func TestEscalationSkipsCandidateTooSmall(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	h.mock.Handle("cloud_planner", adapter.Fail(models.ReasonRequestHTTP5xx))

	// fenced blocks are kept verbatim by compression
	prompt := "```\n" + strings.Repeat("x", 10000*4) + "\n```"
	res := h.eng.Execute(context.Background(), ask("planning", prompt))
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonRequestHTTP5xx, res.ReasonCode, "the last dispatched failure is reported")
	assert.Empty(t, h.mock.CallsTo("local_bulk"))

	require.Len(t, res.EscalationTrace, 2)
	skipped := res.EscalationTrace[1]
	assert.Equal(t, "local_bulk", skipped.Provider)
	assert.Equal(t, models.ReasonContextTooLarge, skipped.Reason)
	assert.Equal(t, states(models.AttemptPlanned, models.AttemptEscalate), skipped.States)
	assert.Contains(t, skipped.Diagnostic, "local_bulk limit 8192, skipped")
}

func TestPayloadOverEveryLimitIsRejected(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		r := p.Routing.Intents["planning"]
		r.Order = []string{"cloud_coder", "local_bulk"}
		r.AllowPaid = true
		p.Routing.Intents["planning"] = r

		coder := p.Providers["cloud_coder"]
		coder.MaxRequestTokens = 9000
		p.Providers["cloud_coder"] = coder
	})
	h := newHarness(t, pol)

	prompt := "```\n" + strings.Repeat("x", 10000*4) + "\n```"
	res := h.eng.Execute(context.Background(), ask("planning", prompt))
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonContextTooLarge, res.ReasonCode)
	assert.Empty(t, h.mock.Calls())
}

func TestReloadedPolicyRoutesIdentically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(policytest.ScenarioJSON), 0o644))
	store, err := policy.NewStore(path, zerolog.Nop(), nil)
	require.NoError(t, err)

	h := newHarness(t, store.Current(), func(d *Deps) { d.Policies = store })
	meta := models.ContextMetadata{InputText: "plan architecture and evaluate trade-offs"}
	before, err := h.eng.SelectModel(context.Background(), "conversation", meta)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, os.WriteFile(path, []byte(policytest.ScenarioJSON+"\n"), 0o644))
		_, err = store.Reload(context.Background())
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(policytest.ScenarioJSON), 0o644))
		_, err = store.Reload(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 5, store.Snapshot().Generation)

	after, err := h.eng.SelectModel(context.Background(), "conversation", meta)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("selection changed across reloads (-before +after):\n%s", diff)
	}
}

func TestEscalatesAfterRetries(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	h.mock.Handle("local_low_latency", adapter.Fail(models.ReasonRequestHTTP5xx))

	res := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py"))
	require.True(t, res.OK)
	assert.Equal(t, "cloud_planner", res.Provider)
	assert.Equal(t, models.OutcomeEscalated, res.OutcomeClass)

	require.Len(t, res.EscalationTrace, 2)
	first := res.EscalationTrace[0]
	assert.Equal(t, models.ReasonRequestHTTP5xx, first.Reason)
	assert.Equal(t, 1, first.Retries)
	want := states(models.AttemptPlanned, models.AttemptBudgetHeld, models.AttemptCircuitOK,
		models.AttemptDispatched, models.AttemptRetry, models.AttemptDispatched, models.AttemptEscalate)
	if diff := cmp.Diff(want, first.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, h.mock.CallsTo("local_low_latency"), 2)

	esc := h.rec.Events("router.escalate")
	require.Len(t, esc, 1)
	assert.Equal(t, "local_low_latency/qwen2.5-7b-instruct", esc[0].Details["from"])
	assert.Len(t, h.rec.Events("router.attempt"), 3)

	// one hold survives: the failed candidate was rolled back
	st := h.budget.Status("conversation")
	assert.Equal(t, int64(1), st[0].Used.CallsUsed)
	assert.Equal(t, int64(res.Usage.TotalTokens), st[0].Used.TokensUsed)
}

func TestNonRetryableEscalatesImmediately(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	h.mock.Handle("local_low_latency", adapter.Fail(models.ReasonAuthMissing))

	res := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py"))
	require.True(t, res.OK)
	assert.Equal(t, 0, res.EscalationTrace[0].Retries)
	assert.Len(t, h.mock.CallsTo("local_low_latency"), 1)
	assert.Equal(t, circuit.StateClosed, h.circuits.State("local_low_latency"))
}

func TestIntentBudgetIsTerminal(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		p.Budgets.Intents["conversation"] = models.BudgetLimits{DailyCalls: 1}
	})
	h := newHarness(t, pol)

	require.True(t, h.eng.Execute(context.Background(), ask("conversation", "hello")).OK)
	res := h.eng.Execute(context.Background(), ask("conversation", "hello again"))

	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonIntentCallBudgetExceeded, res.ReasonCode)
	assert.Equal(t, "budget", res.Error.Type)
	require.Len(t, res.EscalationTrace, 1, "terminal denial does not escalate")
	assert.Equal(t, models.AttemptAbort, res.EscalationTrace[0].Final())
	assert.Len(t, h.rec.Events("budget.denied"), 1)
	assert.Len(t, h.mock.Calls(), 1)
}

func TestTierBudgetEscalates(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		p.Budgets.Tiers["free"] = models.BudgetLimits{DailyCalls: 1}
	})
	h := newHarness(t, pol)

	first := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py"))
	require.True(t, first.OK)
	assert.Equal(t, "local_low_latency", first.Provider)

	second := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py"))
	require.True(t, second.OK)
	assert.Equal(t, "cloud_planner", second.Provider)
	assert.Equal(t, models.ReasonTierBudgetExceeded, second.EscalationTrace[0].Reason)
	assert.Equal(t, models.AttemptEscalate, second.EscalationTrace[0].Final())
}

func TestRunCallCapUsesCorrIDFallback(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		p.Budgets.Intents["conversation"] = models.BudgetLimits{MaxCallsPerRun: 1}
	})
	h := newHarness(t, pol)

	req := ask("conversation", "hello")
	req.Meta.CorrID = "corr-run"
	require.True(t, h.eng.Execute(context.Background(), req).OK)
	res := h.eng.Execute(context.Background(), req)
	assert.Equal(t, models.ReasonMaxCallsPerRunExceeded, res.ReasonCode)

	req.Meta.RunID = "run-2"
	assert.True(t, h.eng.Execute(context.Background(), req).OK)
}

func TestAllCircuitsOpen(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	h.mock.Handle("local_low_latency", adapter.Fail(models.ReasonRequestHTTP5xx))
	h.mock.Handle("cloud_planner", adapter.Fail(models.ReasonRequestHTTP5xx))

	for range 3 {
		res := h.eng.Execute(context.Background(), ask("conversation", "hello"))
		assert.Equal(t, models.ReasonRequestHTTP5xx, res.ReasonCode)
	}
	assert.Equal(t, circuit.StateOpen, h.circuits.State("local_low_latency"))
	assert.Equal(t, circuit.StateOpen, h.circuits.State("cloud_planner"))

	calls := len(h.mock.Calls())
	res := h.eng.Execute(context.Background(), ask("conversation", "hello"))
	assert.Equal(t, models.ReasonAllProvidersUnavailable, res.ReasonCode)
	assert.Equal(t, "routing", res.Error.Type)
	assert.Len(t, h.mock.Calls(), calls, "no dispatch while every circuit is open")
}

func TestDeadlineBoundsTheLadder(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		r := p.Routing.Intents["conversation"]
		r.TimeoutSeconds = 1
		p.Routing.Intents["conversation"] = r
	})
	h := newHarness(t, pol)
	h.mock.Handle("local_low_latency", adapter.Block())

	start := time.Now()
	res := h.eng.Execute(context.Background(), ask("conversation", "apply patch to src/app.py"))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, res.OK)
	assert.Equal(t, models.ReasonRequestTimeout, res.ReasonCode)
	assert.Empty(t, h.mock.CallsTo("cloud_planner"))
}

func TestInvalidInput(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))

	res := h.eng.Execute(context.Background(), ask("nope", "hello"))
	assert.Equal(t, models.ReasonInvalidIntent, res.ReasonCode)

	res = h.eng.Execute(context.Background(), models.Request{Intent: "conversation"})
	assert.Equal(t, models.ReasonInvalidPayload, res.ReasonCode)
	assert.Empty(t, h.mock.Calls())
}

func TestToolsStrippedForUnknownSupport(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	req := ask("coding", "write a function that parses dates")
	req.Payload.Tools = []json.RawMessage{json.RawMessage(`{"type":"function","function":{"name":"search"}}`)}
	req.Payload.ToolChoice = json.RawMessage(`"auto"`)

	res := h.eng.Execute(context.Background(), req)
	require.True(t, res.OK)
	assert.Equal(t, "local_bulk", res.Provider)

	calls := h.mock.CallsTo("local_bulk")
	require.Len(t, calls, 1)
	assert.NotContains(t, string(calls[0].Body), "tools")
	assert.NotContains(t, string(calls[0].Body), "tool_choice")
}

func TestSubagentPairingGate(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	res := h.eng.Execute(context.Background(), ask("subagent", "spawn a subagent to refactor the parser"))
	assert.Equal(t, models.ReasonPairingMissing, res.ReasonCode)
	assert.Equal(t, "pairing", res.Error.Type)
	assert.Empty(t, h.mock.Calls())

	ok := pairing.New(func(context.Context) (pairing.Status, string) { return pairing.StatusOK, "" }, nil, pairing.Options{})
	h = newHarness(t, policytest.Scenario(t), func(d *Deps) { d.Pairing = ok })
	res = h.eng.Execute(context.Background(), ask("subagent", "spawn a subagent to refactor the parser"))
	require.True(t, res.OK)
	assert.Equal(t, "pairing: OK remediated=false safe_to_retry_now=false", res.RouteExplain[0])

	// the gate only applies to subagent dispatches
	h = newHarness(t, policytest.Scenario(t))
	assert.True(t, h.eng.Execute(context.Background(), ask("subagent", "apply patch to src/app.py")).OK)
}

type memSignals struct {
	mu    sync.Mutex
	kinds []string
}

func (m *memSignals) Signal(kind string, _ map[string]any) error {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
	return nil
}

func TestSuccessBookkeeping(t *testing.T) {
	dir := t.TempDir()
	tr, err := tracker.New(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	c, err := cachepkg.New(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	sig := &memSignals{}

	h := newHarness(t, policytest.Scenario(t), func(d *Deps) {
		d.Tracker = tr
		d.Cache = c
		d.Signals = sig
	})

	req := ask("itc_classify", "label this ticket")
	req.Meta.SessionID = "s1"
	first := h.eng.Execute(context.Background(), req)
	require.True(t, first.OK)
	assert.False(t, first.Cached)

	second := h.eng.Execute(context.Background(), req)
	require.True(t, second.OK)
	assert.True(t, second.Cached)
	assert.Equal(t, models.OutcomeCached, second.OutcomeClass)
	assert.Equal(t, first.Provider, second.Provider)
	assert.Len(t, h.mock.Calls(), 1)

	recs, err := tr.Query(context.Background(), "itc_classify", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "local_low_latency", recs[0].Provider)
	assert.Equal(t, "s1", recs[0].SessionID)
	assert.Equal(t, []string{"service_request"}, sig.kinds)

	provider, ok := h.eng.d.Planner.Sticky().Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "local_low_latency", provider)
}

func TestSelectModel(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	sel, err := h.eng.SelectModel(context.Background(), "conversation", models.ContextMetadata{InputText: "plan architecture and evaluate trade-offs"})
	require.NoError(t, err)
	assert.Equal(t, "cloud_planner", sel.Provider)
	assert.Equal(t, "auth", sel.Tier)
	assert.Len(t, sel.RouteExplain, 7)
	assert.Empty(t, h.mock.Calls())

	_, err = h.eng.SelectModel(context.Background(), "nope", models.ContextMetadata{})
	var ee *Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, models.ReasonInvalidIntent, ee.Reason)
}

func TestIntentStatus(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	require.True(t, h.eng.Execute(context.Background(), ask("conversation", "hello")).OK)

	st, err := h.eng.IntentStatus("conversation")
	require.NoError(t, err)
	assert.Equal(t, []string{"local_low_latency", "cloud_planner"}, st.Order)
	assert.True(t, st.RemoteAllowed)
	assert.Equal(t, int64(5000), st.TimeoutMs)
	assert.Equal(t, int64(1), st.Budgets[0].Used.CallsUsed)
	assert.Equal(t, circuit.StateClosed, st.Circuits["cloud_planner"])

	_, err = h.eng.IntentStatus("nope")
	assert.Error(t, err)
}

func TestExplainRouteIsDryRun(t *testing.T) {
	h := newHarness(t, policytest.Scenario(t))
	ex, err := h.eng.ExplainRoute(context.Background(), "conversation", models.ContextMetadata{}, models.Payload{Prompt: longPlanningPrompt()})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonOK, ex.Reason)
	assert.Equal(t, "cloud_planner", ex.Guarded[0].Provider)
	assert.Equal(t, 32000, ex.HardCap)
	assert.Len(t, ex.RouteExplain, 8)
	assert.Empty(t, h.mock.Calls())
	assert.Empty(t, h.rec.Envelopes())

	local := policytest.Scenario(t, func(p *policy.Policy) { p.Defaults.RemoteRoutingEnabled = false })
	h = newHarness(t, local)
	ex, err = h.eng.ExplainRoute(context.Background(), "conversation", models.ContextMetadata{}, models.Payload{Prompt: longPlanningPrompt()})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonContextTooLarge, ex.Reason)
}

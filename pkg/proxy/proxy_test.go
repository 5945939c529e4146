package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/adapter"
	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/budget"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/config"
	"github.com/pario-ai/ladder/pkg/contract"
	"github.com/pario-ai/ladder/pkg/engine"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/pairing"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/policy/policytest"
	"github.com/pario-ai/ladder/pkg/router"
)

type testServer struct {
	*Server
	mock *adapter.MockAdapter
}

func setupServer(t *testing.T, cfg *config.Config, pol *policy.Policy, guard pairing.Guard) *testServer {
	t.Helper()
	store := policy.NewStaticStore(pol)
	rec := &audit.Recorder{}

	san := adapter.NewSanitizer(true, zerolog.Nop(), rec)
	reg := adapter.NewRegistry(san, zerolog.Nop())
	mock := adapter.NewMock(san)
	reg.Register(mock)

	acct, err := budget.New("", store.Current)
	if err != nil {
		t.Fatal(err)
	}
	breaker, err := circuit.New("", func() policy.CircuitPolicy { return store.Current().Defaults.Circuit })
	if err != nil {
		t.Fatal(err)
	}
	cm, err := contract.New(contract.Options{
		StatePath: filepath.Join(t.TempDir(), "contract.json"),
		Policy:    config.Default().Contract.Policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	pf := pairing.New(guard, nil, pairing.Options{Audit: rec})

	eng := engine.New(engine.Deps{
		Policies: store,
		Planner:  router.New(router.WithCircuits(breaker)),
		Budget:   acct,
		Circuits: breaker,
		Adapters: reg,
		Pairing:  pf,
		Audit:    rec,
		Jitter:   func(time.Duration) time.Duration { return 0 },
	})
	return &testServer{Server: New(cfg, eng, cm, pf, breaker, zerolog.Nop()), mock: mock}
}

func defaultServer(t *testing.T) *testServer {
	t.Helper()
	ok := func(context.Context) (pairing.Status, string) { return pairing.StatusOK, "" }
	return setupServer(t, config.Default(), policytest.Scenario(t), ok)
}

func (s *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

const helloBody = `{"intent":"conversation","payload":{"messages":[{"role":"user","content":"apply patch to src/app.py"}]}}`

func TestExecute(t *testing.T) {
	s := defaultServer(t)
	w := s.do(http.MethodPost, "/v1/execute", helloBody, "X-Request-ID", "req-1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res models.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Provider != "local_low_latency" || res.Text != "ok" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.RequestID != "req-1" {
		t.Errorf("expected request id from header, got %q", res.RequestID)
	}
	if got := w.Header().Get("X-Ladder-Corr-ID"); got == "" || got != res.CorrID {
		t.Errorf("corr id header %q does not match result %q", got, res.CorrID)
	}
}

func TestExecuteFailureStatus(t *testing.T) {
	s := defaultServer(t)

	w := s.do(http.MethodPost, "/v1/execute", `{"intent":"nope","payload":{"prompt":"hi"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown intent, got %d", w.Code)
	}
	var res models.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Reason != models.ReasonInvalidIntent || res.Error.Type != "input" {
		t.Errorf("unexpected error detail: %+v", res.Error)
	}

	w = s.do(http.MethodPost, "/v1/execute", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestExecuteBudgetDenied(t *testing.T) {
	pol := policytest.Scenario(t, func(p *policy.Policy) {
		p.Budgets.Intents["conversation"] = models.BudgetLimits{DailyCalls: 1}
	})
	s := setupServer(t, config.Default(), pol, nil)

	if w := s.do(http.MethodPost, "/v1/execute", helloBody); w.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", w.Code)
	}
	w := s.do(http.MethodPost, "/v1/execute", helloBody)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: expected 429, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), string(models.ReasonIntentCallBudgetExceeded)) {
		t.Errorf("expected budget reason in body: %s", w.Body.String())
	}
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	s := defaultServer(t)
	s.mock.Handle("local_low_latency", adapter.Fail(models.ReasonAuthForbidden))
	s.mock.Handle("cloud_planner", adapter.Fail(models.ReasonAuthForbidden))

	w := s.do(http.MethodPost, "/v1/execute", helloBody)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSelectAndExplain(t *testing.T) {
	s := defaultServer(t)

	w := s.do(http.MethodPost, "/v1/select", `{"intent":"coding"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sel engine.Selection
	if err := json.NewDecoder(w.Body).Decode(&sel); err != nil {
		t.Fatal(err)
	}
	if sel.Provider != "local_bulk" || sel.Tier != "free" {
		t.Errorf("unexpected selection: %+v", sel)
	}

	w = s.do(http.MethodPost, "/v1/explain", helloBody)
	if w.Code != http.StatusOK {
		t.Fatalf("explain: expected 200, got %d", w.Code)
	}
	var ex engine.Explain
	if err := json.NewDecoder(w.Body).Decode(&ex); err != nil {
		t.Fatal(err)
	}
	if ex.Tokens == 0 || len(ex.RouteExplain) == 0 {
		t.Errorf("expected a populated explanation: %+v", ex)
	}
	if calls := s.mock.Calls(); len(calls) != 0 {
		t.Errorf("explain must not dispatch, saw %d calls", len(calls))
	}

	w = s.do(http.MethodPost, "/v1/select", `{"intent":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown intent, got %d", w.Code)
	}
}

func TestIntentStatus(t *testing.T) {
	s := defaultServer(t)
	w := s.do(http.MethodGet, "/v1/intents/conversation/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st engine.IntentStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Intent != "conversation" || len(st.Order) != 2 || st.Circuits["cloud_planner"] != circuit.StateClosed {
		t.Errorf("unexpected status: %+v", st)
	}

	if w := s.do(http.MethodGet, "/v1/intents/nope/status", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestContractOverride(t *testing.T) {
	s := defaultServer(t)

	w := s.do(http.MethodPost, "/v1/contract/override", `{"mode":"CODE","ttl_seconds":60,"reason":"batch"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st models.ContractState
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Mode != models.ModeCode || st.Source != models.SourceManual || st.Override == nil {
		t.Errorf("unexpected state: %+v", st)
	}

	if w := s.do(http.MethodPost, "/v1/contract/override", `{"mode":"TURBO","ttl_seconds":60}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid mode, got %d", w.Code)
	}

	w = s.do(http.MethodDelete, "/v1/contract/override", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = s.do(http.MethodGet, "/v1/contract", "")
	st = models.ContractState{}
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Override != nil || st.Source != models.SourceDynamic {
		t.Errorf("override not cleared: %+v", st)
	}
}

func TestPairingPreflight(t *testing.T) {
	s := defaultServer(t)
	w := s.do(http.MethodPost, "/v1/pairing/preflight", `{"corr_id":"c-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out pairing.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != pairing.StatusOK || out.CorrID != "c-1" {
		t.Errorf("unexpected outcome: %+v", out)
	}

	stale := func(context.Context) (pairing.Status, string) { return pairing.StatusStale, "expired" }
	s = setupServer(t, config.Default(), policytest.Scenario(t), stale)
	w = s.do(http.MethodPost, "/v1/pairing/preflight", `{}`)
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCircuitsAndHealth(t *testing.T) {
	s := defaultServer(t)
	if w := s.do(http.MethodGet, "/v1/circuits", ""); w.Code != http.StatusOK {
		t.Errorf("circuits: expected 200, got %d", w.Code)
	}
	w := s.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("healthz: got %d %s", w.Code, w.Body.String())
	}
	if w := s.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/v1/execute", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /v1/execute, got %d", w.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Tokens = []string{"secret"}
	s := setupServer(t, cfg, policytest.Scenario(t), nil)

	if w := s.do(http.MethodPost, "/v1/execute", helloBody); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/execute", helloBody, "X-Ladder-Token", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/v1/execute", helloBody, "X-Ladder-Token", "secret"); w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz must not require a token, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		reason models.ReasonCode
		want   int
	}{
		{models.ReasonInvalidPayload, http.StatusBadRequest},
		{models.ReasonContextTooLarge, http.StatusRequestEntityTooLarge},
		{models.ReasonTierBudgetExceeded, http.StatusTooManyRequests},
		{models.ReasonAllProvidersUnavailable, http.StatusServiceUnavailable},
		{models.ReasonRequestTimeout, http.StatusGatewayTimeout},
		{models.ReasonRateLimited, http.StatusBadGateway},
		{models.ReasonToolPayloadSanitizerBypassed, http.StatusUnprocessableEntity},
		{models.ReasonPairingLocked, http.StatusConflict},
		{models.ReasonPairingStale, http.StatusPreconditionFailed},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.reason); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.reason, got, tt.want)
		}
	}
}

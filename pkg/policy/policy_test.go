package policy_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/policy/policytest"
)

func TestParseScenario(t *testing.T) {
	p := policytest.Scenario(t)

	assert.Equal(t, 1, p.SchemaVersion)
	assert.Equal(t, []string{"cloud_coder", "cloud_planner", "local_bulk", "local_low_latency"}, p.ProviderIDs())

	prov, ok := p.Provider("local_low_latency")
	require.True(t, ok)
	assert.Equal(t, "local_low_latency", prov.ID)
	assert.Equal(t, "chat/completions", prov.Endpoint)
	assert.True(t, prov.ToolsSupported())

	coder, _ := p.Provider("cloud_coder")
	assert.True(t, coder.Paid, "paid tier implies paid")
	assert.False(t, coder.ToolsSupported(), "absent tool_support is unknown")

	assert.Equal(t, 4096, p.InputCap("local_low_latency", ""))
	assert.Equal(t, 8000, p.InputCap("missing", ""))
	assert.Equal(t, 5*time.Second, p.Timeout("conversation"))
	assert.Equal(t, 1, p.MaxRetries("cloud_planner"))
	assert.True(t, p.RemoteAllowed("conversation"))
	assert.False(t, p.RemoteAllowed("coding"))
}

func TestInputCapHonoursMaxRequestTokens(t *testing.T) {
	p := policytest.Scenario(t, func(p *policy.Policy) {
		prov := p.Providers["cloud_planner"]
		prov.MaxRequestTokens = 12000
		p.Providers["cloud_planner"] = prov

		bulk := p.Providers["local_bulk"]
		bulk.MaxRequestTokens = 50000
		p.Providers["local_bulk"] = bulk
	})
	assert.Equal(t, 12000, p.InputCap("cloud_planner", "planner-large"))
	assert.Equal(t, 8192, p.InputCap("local_bulk", "llama-3.1-8b"), "a larger max_request_tokens does not raise input_cap")
	assert.Equal(t, 32000, policytest.Scenario(t).InputCap("cloud_planner", "planner-large"))
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	data := strings.Replace(policytest.ScenarioJSON, `"schema_version": 1,`,
		`"schema_version": 1, "future_knob": {"x": 1},`, 1)
	_, err := policy.Parse([]byte(data))
	assert.NoError(t, err)
}

func TestParseRequiresSchemaVersion(t *testing.T) {
	data := strings.Replace(policytest.ScenarioJSON, `"schema_version": 1,`, ``, 1)
	_, err := policy.Parse([]byte(data))
	assert.True(t, errors.Is(err, policy.ErrSchemaVersion))

	data = strings.Replace(policytest.ScenarioJSON, `"schema_version": 1,`, `"schema_version": 99,`, 1)
	_, err = policy.Parse([]byte(data))
	assert.True(t, errors.Is(err, policy.ErrSchemaVersion))
}

func TestValidateFailsLoudly(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want string
	}{
		{"unknown provider in order", `"order": ["local_bulk", "cloud_coder"]`, `"order": ["local_bulk", "ghost"]`, `unknown provider "ghost"`},
		{"bad tier", `"tier": "paid"`, `"tier": "gold"`, `tier "gold"`},
		{"bad wire", `"tier": "paid", "wire": "mock"`, `"tier": "paid", "wire": "grpc"`, `wire "grpc"`},
		{"bad overflow", `"overflow_policy": "spill_remote"`, `"overflow_policy": "drop"`, "overflow_policy"},
		{"capability target", `"code_generation": "local_bulk"`, `"code_generation": "nobody"`, `capability_router.code_generation`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(policytest.ScenarioJSON, tt.from, tt.to, 1)
			require.NotEqual(t, policytest.ScenarioJSON, data, "fixture replacement did not apply")
			_, err := policy.Parse([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, policy.ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateRequiresBaseURLForNetworkWires(t *testing.T) {
	p := policytest.Scenario(t)
	prov := p.Providers["cloud_planner"]
	prov.Wire = policy.WireChat
	p.Providers["cloud_planner"] = prov

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.cloud_planner.base_url is required")
}

func TestRemoteAllowedRespectsGlobalSwitch(t *testing.T) {
	p := policytest.Scenario(t, func(p *policy.Policy) {
		p.Defaults.RemoteRoutingEnabled = false
	})
	assert.False(t, p.RemoteAllowed("conversation"))
}

func writePolicy(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, policytest.ScenarioJSON)

	rec := &audit.Recorder{}
	s, err := policy.NewStore(path, zerolog.Nop(), rec)
	require.NoError(t, err)
	first := s.Snapshot()

	var hooked int
	s.OnReload(func(*policy.Policy) { hooked++ })

	changed, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "identical content is a no-op")
	assert.Equal(t, first.Hash, s.Snapshot().Hash)

	writePolicy(t, path, strings.Replace(policytest.ScenarioJSON, `"global_token_cap": 8000`, `"global_token_cap": 9000`, 1))
	changed, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 9000, s.Current().Defaults.GlobalTokenCap)
	assert.Equal(t, 2, s.Snapshot().Generation)
	assert.Equal(t, 1, hooked)

	writePolicy(t, path, `{"schema_version": 1`)
	_, err = s.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 9000, s.Current().Defaults.GlobalTokenCap, "failed reload keeps previous policy")

	events := rec.Events("policy.reload")
	require.Len(t, events, 2)
	assert.Equal(t, true, events[0].Details["ok"])
	assert.Equal(t, false, events[1].Details["ok"])
}

func TestStoreReloadRunsEveryHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, policytest.ScenarioJSON)

	s, err := policy.NewStore(path, zerolog.Nop(), nil)
	require.NoError(t, err)

	var seen []int
	for range 3 {
		s.OnReload(func(p *policy.Policy) { seen = append(seen, p.Defaults.GlobalTokenCap) })
	}

	writePolicy(t, path, strings.Replace(policytest.ScenarioJSON, `"global_token_cap": 8000`, `"global_token_cap": 9000`, 1))
	changed, err := s.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []int{9000, 9000, 9000}, seen)

	// a hook registered after a reload only sees later swaps
	s.OnReload(func(p *policy.Policy) { seen = append(seen, -p.Defaults.GlobalTokenCap) })
	writePolicy(t, path, policytest.ScenarioJSON)
	_, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{9000, 9000, 9000, 8000, 8000, 8000, -8000}, seen)
}

func TestStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, policytest.ScenarioJSON)

	s, err := policy.NewStore(path, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, path, strings.Replace(policytest.ScenarioJSON, `"global_token_cap": 8000`, `"global_token_cap": 7000`, 1))

	assert.Eventually(t, func() bool {
		return s.Current().Defaults.GlobalTokenCap == 7000
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStoreReloadOnSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, policytest.ScenarioJSON)

	s, err := policy.NewStore(path, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	go s.ReloadOn(ctx, sig)

	writePolicy(t, path, strings.Replace(policytest.ScenarioJSON, `"global_token_cap": 8000`, `"global_token_cap": 6000`, 1))
	sig <- os.Interrupt

	assert.Eventually(t, func() bool {
		return s.Current().Defaults.GlobalTokenCap == 6000
	}, 2*time.Second, 10*time.Millisecond)
}

// Package policy loads and validates the versioned routing policy document.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
)

// SchemaVersion is the newest policy schema this build understands.
const SchemaVersion = 1

var (
	// ErrSchemaVersion is returned when schema_version is missing or unsupported.
	ErrSchemaVersion = errors.New("policy: unsupported or missing schema_version")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("policy: invalid")
)

// Tiers.
const (
	TierFree = "free"
	TierAuth = "auth"
	TierPaid = "paid"
)

// Wire types.
const (
	WireChat      = "chat"
	WireOAuth     = "oauth"
	WireLocal     = "local"
	WireAnthropic = "anthropic"
	WireMock      = "mock"
)

// Overflow policies.
const (
	OverflowCompress    = "compress"
	OverflowSpillRemote = "spill_remote"
	OverflowReject      = "reject"
)

// Policy is the routing policy document.
type Policy struct {
	SchemaVersion int                 `json:"schema_version"`
	Defaults      Defaults            `json:"defaults"`
	Budgets       Budgets             `json:"budgets"`
	Providers     map[string]Provider `json:"providers"`
	Routing       Routing             `json:"routing"`
}

// Defaults are global routing knobs.
type Defaults struct {
	GlobalTokenCap       int           `json:"global_token_cap"`
	RemoteRoutingEnabled bool          `json:"remote_routing_enabled"`
	RemoteAllowlist      []string      `json:"remote_allowlist"`
	OverflowPolicy       string        `json:"overflow_policy"`
	RemoteHeadroom       float64       `json:"remote_headroom"`
	StickyWindowSeconds  int           `json:"sticky_window_seconds"`
	StickyMaxSessions    int           `json:"sticky_max_sessions"`
	TimeoutSeconds       int           `json:"timeout_seconds"`
	Circuit              CircuitPolicy `json:"circuit"`
	Retry                RetryPolicy   `json:"retry"`
	MetricsGate          MetricsGate   `json:"metrics_gate"`
}

// CircuitPolicy is the circuit-breaker template applied to every provider.
type CircuitPolicy struct {
	FailureThreshold   int  `json:"failure_threshold"`
	WindowSeconds      int  `json:"window_seconds"`
	CooldownSeconds    int  `json:"cooldown_seconds"`
	CountAuthForbidden bool `json:"count_auth_forbidden"`
}

// RetryPolicy bounds retries within one candidate.
type RetryPolicy struct {
	MaxRetries    int `json:"max_retries"`
	BaseBackoffMs int `json:"base_backoff_ms"`
	MaxBackoffMs  int `json:"max_backoff_ms"`
}

// MetricsGate sets the local-backend deflection thresholds.
type MetricsGate struct {
	QueueSpillThreshold float64 `json:"queue_spill_threshold"`
	KVPressureThreshold float64 `json:"kv_pressure_threshold"`
	ProbeTimeoutMs      int     `json:"probe_timeout_ms"`
	CacheMs             int     `json:"cache_ms"`
}

// Budgets holds per-intent and per-tier daily limits.
type Budgets struct {
	Intents map[string]models.BudgetLimits `json:"intents"`
	Tiers   map[string]models.BudgetLimits `json:"tiers"`
}

// ModelSpec describes one model served by a provider.
type ModelSpec struct {
	ID       string `json:"id"`
	InputCap int    `json:"input_cap"`
}

// Provider is a backend with its wire configuration.
type Provider struct {
	ID               string      `json:"-"`
	Tier             string      `json:"tier"`
	Paid             bool        `json:"paid"`
	Wire             string      `json:"wire"`
	BaseURL          string      `json:"base_url"`
	Endpoint         string      `json:"endpoint"`
	MetricsURL       string      `json:"metrics_url"`
	Local            bool        `json:"local"`
	Remote           bool        `json:"remote"`
	LowLatency       bool        `json:"low_latency"`
	Auth             string      `json:"auth"`
	APIKeyEnv        string      `json:"api_key_env"`
	AuthFile         string      `json:"auth_file"`
	TokenEnv         string      `json:"token_env"`
	AccountID        string      `json:"account_id"`
	AccountHeader    string      `json:"account_header"`
	ToolSupport      *bool       `json:"tool_support"`
	Models           []ModelSpec `json:"models"`
	MaxRetries       *int        `json:"max_retries"`
	MaxRequestTokens int         `json:"max_request_tokens"`
	MaxOutputTokens  int         `json:"max_output_tokens"`
}

// ToolsSupported is true only when tool support is explicitly declared.
func (p Provider) ToolsSupported() bool {
	return p.ToolSupport != nil && *p.ToolSupport
}

// Model returns the spec for id, or the first model when id is empty.
func (p Provider) Model(id string) (ModelSpec, bool) {
	if id == "" {
		if len(p.Models) == 0 {
			return ModelSpec{}, false
		}
		return p.Models[0], true
	}
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// IntentRoute is the routing entry for one intent.
type IntentRoute struct {
	Order           []string         `json:"order"`
	AllowPaid       bool             `json:"allow_paid"`
	RemoteAllowed   *bool            `json:"remote_allowed"`
	PairingGate     bool             `json:"pairing_gate"`
	TimeoutSeconds  int              `json:"timeout_seconds"`
	CacheTTLSeconds int              `json:"cache_ttl_seconds"`
	Overrides       models.Overrides `json:"overrides"`
}

// Routing holds per-intent ladders and the capability router.
type Routing struct {
	Intents          map[string]IntentRoute `json:"intents"`
	CapabilityRouter map[string]string      `json:"capability_router"`
}

// Parse decodes and validates a policy document. Unknown fields are ignored.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if p.SchemaVersion < 1 || p.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w (got %d)", ErrSchemaVersion, p.SchemaVersion)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the policy file, returning it with its content hash.
func Load(path string) (*Policy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read policy: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return p, Hash(data), nil
}

// Hash returns the content hash used to detect no-op reloads.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:8])
}

func (p *Policy) applyDefaults() {
	d := &p.Defaults
	if d.GlobalTokenCap <= 0 {
		d.GlobalTokenCap = 8000
	}
	if d.OverflowPolicy == "" {
		d.OverflowPolicy = OverflowCompress
	}
	if d.RemoteHeadroom <= 0 {
		d.RemoteHeadroom = 1.2
	}
	if d.StickyWindowSeconds <= 0 {
		d.StickyWindowSeconds = 900
	}
	if d.StickyMaxSessions <= 0 {
		d.StickyMaxSessions = 1024
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 60
	}
	if d.Circuit.FailureThreshold <= 0 {
		d.Circuit.FailureThreshold = 3
	}
	if d.Circuit.WindowSeconds <= 0 {
		d.Circuit.WindowSeconds = 60
	}
	if d.Circuit.CooldownSeconds <= 0 {
		d.Circuit.CooldownSeconds = 30
	}
	if d.Retry.BaseBackoffMs <= 0 {
		d.Retry.BaseBackoffMs = 200
	}
	if d.Retry.MaxBackoffMs <= 0 {
		d.Retry.MaxBackoffMs = 2000
	}
	if d.MetricsGate.QueueSpillThreshold <= 0 {
		d.MetricsGate.QueueSpillThreshold = 8
	}
	if d.MetricsGate.KVPressureThreshold <= 0 {
		d.MetricsGate.KVPressureThreshold = 0.9
	}
	if d.MetricsGate.ProbeTimeoutMs <= 0 {
		d.MetricsGate.ProbeTimeoutMs = 250
	}
	if d.MetricsGate.CacheMs <= 0 {
		d.MetricsGate.CacheMs = 2000
	}

	for id, prov := range p.Providers {
		prov.ID = id
		if prov.Endpoint == "" {
			switch prov.Wire {
			case WireOAuth:
				prov.Endpoint = "responses"
			case WireAnthropic:
				prov.Endpoint = "v1/messages"
			default:
				prov.Endpoint = "chat/completions"
			}
		}
		if prov.Wire == WireLocal {
			prov.Local = true
		}
		if prov.Tier == TierPaid {
			prov.Paid = true
		}
		p.Providers[id] = prov
	}
}

// Validate fails on missing required fields and dangling references.
func (p *Policy) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch p.Defaults.OverflowPolicy {
	case OverflowCompress, OverflowSpillRemote, OverflowReject:
	default:
		add("defaults.overflow_policy %q is not one of compress, spill_remote, reject", p.Defaults.OverflowPolicy)
	}

	if len(p.Providers) == 0 {
		add("providers: at least one provider is required")
	}
	for _, id := range sortedKeys(p.Providers) {
		prov := p.Providers[id]
		switch prov.Tier {
		case TierFree, TierAuth, TierPaid:
		default:
			add("providers.%s.tier %q is not one of free, auth, paid", id, prov.Tier)
		}
		switch prov.Wire {
		case WireChat, WireOAuth, WireLocal, WireAnthropic:
			if prov.BaseURL == "" {
				add("providers.%s.base_url is required", id)
			}
		case WireMock:
		default:
			add("providers.%s.wire %q is not supported", id, prov.Wire)
		}
		if len(prov.Models) == 0 {
			add("providers.%s.models: at least one model is required", id)
		}
		for i, m := range prov.Models {
			if m.ID == "" {
				add("providers.%s.models[%d].id is required", id, i)
			}
		}
	}

	if len(p.Routing.Intents) == 0 {
		add("routing.intents: at least one intent is required")
	}
	for _, name := range sortedKeys(p.Routing.Intents) {
		route := p.Routing.Intents[name]
		if len(route.Order) == 0 {
			add("routing.intents.%s.order is required", name)
		}
		for _, id := range route.Order {
			if _, ok := p.Providers[id]; !ok {
				add("routing.intents.%s.order references unknown provider %q", name, id)
			}
		}
	}
	for _, class := range sortedKeys(p.Routing.CapabilityRouter) {
		id := p.Routing.CapabilityRouter[class]
		if _, ok := p.Providers[id]; !ok {
			add("routing.capability_router.%s references unknown provider %q", class, id)
		}
	}
	for _, tier := range sortedKeys(p.Budgets.Tiers) {
		switch tier {
		case TierFree, TierAuth, TierPaid:
		default:
			add("budgets.tiers.%s is not a known tier", tier)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Intent returns the routing entry for name.
func (p *Policy) Intent(name string) (IntentRoute, bool) {
	r, ok := p.Routing.Intents[name]
	return r, ok
}

// Provider returns the provider for id.
func (p *Policy) Provider(id string) (Provider, bool) {
	prov, ok := p.Providers[id]
	return prov, ok
}

// IntentNames returns the declared intents, sorted.
func (p *Policy) IntentNames() []string {
	return sortedKeys(p.Routing.Intents)
}

// ProviderIDs returns the declared providers, sorted.
func (p *Policy) ProviderIDs() []string {
	return sortedKeys(p.Providers)
}

// InputCap returns the hard input cap for a provider model, falling back to
// the global token cap. A provider's max_request_tokens lowers it further.
func (p *Policy) InputCap(providerID, modelID string) int {
	limit := p.Defaults.GlobalTokenCap
	prov, ok := p.Providers[providerID]
	if !ok {
		return limit
	}
	if m, ok := prov.Model(modelID); ok && m.InputCap > 0 {
		limit = m.InputCap
	}
	if prov.MaxRequestTokens > 0 && prov.MaxRequestTokens < limit {
		limit = prov.MaxRequestTokens
	}
	return limit
}

// RemoteAllowed reports whether an intent may spill to remote providers.
func (p *Policy) RemoteAllowed(intent string) bool {
	if !p.Defaults.RemoteRoutingEnabled {
		return false
	}
	if r, ok := p.Routing.Intents[intent]; ok && r.RemoteAllowed != nil {
		return *r.RemoteAllowed
	}
	for _, name := range p.Defaults.RemoteAllowlist {
		if name == intent {
			return true
		}
	}
	return false
}

// Timeout returns the wall-clock budget for an intent.
func (p *Policy) Timeout(intent string) time.Duration {
	if r, ok := p.Routing.Intents[intent]; ok && r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return time.Duration(p.Defaults.TimeoutSeconds) * time.Second
}

// MaxRetries returns the retry count for a provider.
func (p *Policy) MaxRetries(providerID string) int {
	if prov, ok := p.Providers[providerID]; ok && prov.MaxRetries != nil {
		return *prov.MaxRetries
	}
	return p.Defaults.Retry.MaxRetries
}

// StickyWindow returns the session affinity window.
func (p *Policy) StickyWindow() time.Duration {
	return time.Duration(p.Defaults.StickyWindowSeconds) * time.Second
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

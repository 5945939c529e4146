package models

// ReasonCode is a stable machine-readable outcome string.
type ReasonCode string

const (
	ReasonOK ReasonCode = ""

	// Input.
	ReasonInvalidIntent           ReasonCode = "invalid_intent"
	ReasonInvalidPayload          ReasonCode = "invalid_payload"
	ReasonContextTooLarge         ReasonCode = "context_too_large"
	ReasonRequestTokenCapExceeded ReasonCode = "request_token_cap_exceeded"

	// Budget.
	ReasonIntentTokenBudgetExceeded ReasonCode = "intent_token_budget_exceeded"
	ReasonIntentCallBudgetExceeded  ReasonCode = "intent_call_budget_exceeded"
	ReasonTierBudgetExceeded        ReasonCode = "tier_budget_exceeded"
	ReasonMaxCallsPerRunExceeded    ReasonCode = "max_calls_per_run_exceeded"

	// Routing.
	ReasonNoProvidersAvailable    ReasonCode = "no_providers_available"
	ReasonAllProvidersUnavailable ReasonCode = "all_providers_unavailable"

	// Transport.
	ReasonRequestTimeout  ReasonCode = "request_timeout"
	ReasonRequestHTTP5xx  ReasonCode = "request_http_5xx"
	ReasonRateLimited     ReasonCode = "rate_limited"
	ReasonAuthForbidden   ReasonCode = "auth_forbidden"
	ReasonInvalidResponse ReasonCode = "invalid_response"
	ReasonAuthMissing     ReasonCode = "auth_missing"

	// Tools.
	ReasonToolPayloadSanitizerBypassed ReasonCode = "tool_payload_sanitizer_bypassed"

	// Pairing.
	ReasonPairingMissing           ReasonCode = "pairing_missing"
	ReasonPairingStale             ReasonCode = "pairing_stale"
	ReasonPairingLocked            ReasonCode = "pairing_locked"
	ReasonPairingRemoteRequired    ReasonCode = "pairing_remote_required"
	ReasonPairingRemediationFailed ReasonCode = "pairing_remediation_failed"
	ReasonPairingRequired          ReasonCode = "pairing_required"

	// Circuit.
	ReasonCircuitOpen ReasonCode = "circuit_open"
)

// Category groups reason codes for user-visible error types.
func (r ReasonCode) Category() string {
	switch r {
	case ReasonInvalidIntent, ReasonInvalidPayload, ReasonContextTooLarge, ReasonRequestTokenCapExceeded:
		return "input"
	case ReasonIntentTokenBudgetExceeded, ReasonIntentCallBudgetExceeded, ReasonTierBudgetExceeded, ReasonMaxCallsPerRunExceeded:
		return "budget"
	case ReasonNoProvidersAvailable, ReasonAllProvidersUnavailable:
		return "routing"
	case ReasonRequestTimeout, ReasonRequestHTTP5xx, ReasonRateLimited, ReasonInvalidResponse:
		return "transport"
	case ReasonAuthForbidden, ReasonAuthMissing:
		return "auth"
	case ReasonToolPayloadSanitizerBypassed:
		return "tools"
	case ReasonPairingMissing, ReasonPairingStale, ReasonPairingLocked, ReasonPairingRemoteRequired,
		ReasonPairingRemediationFailed, ReasonPairingRequired:
		return "pairing"
	case ReasonCircuitOpen:
		return "circuit"
	case ReasonOK:
		return ""
	default:
		return "unknown"
	}
}

// Retryable reports whether the same candidate may be retried after backoff.
func (r ReasonCode) Retryable() bool {
	switch r {
	case ReasonRequestTimeout, ReasonRequestHTTP5xx, ReasonRateLimited, ReasonInvalidResponse:
		return true
	}
	return false
}

// Terminal reports whether the reason ends the whole request rather than
// escalating to the next candidate.
func (r ReasonCode) Terminal() bool {
	switch r {
	case ReasonInvalidIntent, ReasonInvalidPayload, ReasonContextTooLarge,
		ReasonIntentTokenBudgetExceeded, ReasonIntentCallBudgetExceeded, ReasonMaxCallsPerRunExceeded,
		ReasonToolPayloadSanitizerBypassed,
		ReasonPairingMissing, ReasonPairingStale, ReasonPairingLocked, ReasonPairingRemoteRequired,
		ReasonPairingRemediationFailed:
		return true
	}
	return false
}

// Remediation returns operator-facing hints for a reason code.
func (r ReasonCode) Remediation() []string {
	switch r {
	case ReasonInvalidIntent:
		return []string{"use an intent declared under routing.intents in the policy file"}
	case ReasonInvalidPayload:
		return []string{"send messages or a prompt in the payload"}
	case ReasonContextTooLarge:
		return []string{
			"shorten the prompt or split it into smaller requests",
			"enable remote routing or set overflow_policy to compress",
		}
	case ReasonRequestTokenCapExceeded:
		return []string{"raise defaults.global_token_cap or reduce the prompt size"}
	case ReasonIntentTokenBudgetExceeded, ReasonIntentCallBudgetExceeded:
		return []string{"wait for the UTC day rollover or raise budgets.intents for this intent"}
	case ReasonTierBudgetExceeded:
		return []string{"wait for the UTC day rollover or raise budgets.tiers for this tier"}
	case ReasonMaxCallsPerRunExceeded:
		return []string{"start a new run or raise max_calls_per_run for this intent"}
	case ReasonNoProvidersAvailable:
		return []string{"check routing.intents order, allow_paid and overrides.exclude"}
	case ReasonAllProvidersUnavailable:
		return []string{"all circuits are open; wait for the cooldown or run `ladder circuit reset`"}
	case ReasonRequestTimeout:
		return []string{"raise timeout_seconds for the intent or check provider reachability"}
	case ReasonRequestHTTP5xx, ReasonInvalidResponse:
		return []string{"the provider is failing; retry later"}
	case ReasonRateLimited:
		return []string{"back off and retry later"}
	case ReasonAuthForbidden:
		return []string{"refresh the provider credentials"}
	case ReasonAuthMissing:
		return []string{"write a token to the provider auth file, the general auth file, or the provider token env var"}
	case ReasonToolPayloadSanitizerBypassed:
		return []string{"route the payload through the adapter registry so tool fields are sanitized"}
	case ReasonPairingMissing:
		return []string{"install the pairing guard script configured under pairing.guard"}
	case ReasonPairingStale, ReasonPairingRemediationFailed:
		return []string{"re-pair the device manually and retry with a new corr_id"}
	case ReasonPairingLocked:
		return []string{"another preflight is running; retry after the cooldown"}
	case ReasonPairingRemoteRequired, ReasonPairingRequired:
		return []string{"an operator must approve the pairing on the remote side"}
	case ReasonCircuitOpen:
		return []string{"wait for the circuit cooldown"}
	}
	return nil
}

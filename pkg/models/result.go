package models

// AttemptState is a node in the per-attempt state machine.
type AttemptState string

const (
	AttemptPlanned    AttemptState = "PLANNED"
	AttemptBudgetHeld AttemptState = "BUDGET_HELD"
	AttemptCircuitOK  AttemptState = "CIRCUIT_OK"
	AttemptDispatched AttemptState = "DISPATCHED"
	AttemptSuccess    AttemptState = "SUCCESS"
	AttemptRetry      AttemptState = "RETRY"
	AttemptEscalate   AttemptState = "ESCALATE"
	AttemptAbort      AttemptState = "ABORT"
)

// Outcome classes reported on a Result.
const (
	OutcomeSuccess   = "success"
	OutcomeEscalated = "escalated"
	OutcomeCached    = "cached"
	OutcomeFailed    = "failed"
)

// AttemptTrace records one candidate's passage through the ladder.
type AttemptTrace struct {
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	States     []AttemptState `json:"states"`
	Reason     ReasonCode     `json:"reason_code,omitempty"`
	Retries    int            `json:"retries"`
	LatencyMs  int64          `json:"latency_ms"`
	Diagnostic string         `json:"diagnostic,omitempty"`
}

// Final returns the last state reached by the attempt.
func (a AttemptTrace) Final() AttemptState {
	if len(a.States) == 0 {
		return ""
	}
	return a.States[len(a.States)-1]
}

// ErrorDetail is the user-visible failure description.
type ErrorDetail struct {
	Type        string     `json:"type"`
	Tier        string     `json:"tier,omitempty"`
	Confidence  float64    `json:"confidence"`
	CorrID      string     `json:"corr_id"`
	Reason      ReasonCode `json:"reason"`
	Message     string     `json:"message,omitempty"`
	Remediation []string   `json:"remediation,omitempty"`
}

// Result is the outcome of one routed request.
type Result struct {
	OK              bool           `json:"ok"`
	RequestID       string         `json:"request_id,omitempty"`
	CorrID          string         `json:"corr_id"`
	Intent          string         `json:"intent"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	Text            string         `json:"text,omitempty"`
	Parsed          any            `json:"parsed,omitempty"`
	Usage           Usage          `json:"usage"`
	RouteExplain    []string       `json:"route_explain,omitempty"`
	LatencyMs       int64          `json:"latency_ms"`
	OutcomeClass    string         `json:"outcome_class"`
	CapabilityClass string         `json:"capability_class,omitempty"`
	Cached          bool           `json:"cached,omitempty"`
	Compressed      bool           `json:"compressed,omitempty"`
	ReasonCode      ReasonCode     `json:"reason_code,omitempty"`
	Error           *ErrorDetail   `json:"error,omitempty"`
	EscalationTrace []AttemptTrace `json:"escalation_trace,omitempty"`
}

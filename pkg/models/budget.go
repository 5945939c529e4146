package models

// BudgetLimits bounds one intent or tier bucket per UTC day. Zero means
// unlimited.
type BudgetLimits struct {
	DailyTokens    int64 `json:"daily_tokens" yaml:"daily_tokens"`
	DailyCalls     int64 `json:"daily_calls" yaml:"daily_calls"`
	MaxCallsPerRun int64 `json:"max_calls_per_run,omitempty" yaml:"max_calls_per_run"`
}

// BudgetUsage is the ledger value for one bucket.
type BudgetUsage struct {
	TokensUsed int64 `json:"tokens_used"`
	CallsUsed  int64 `json:"calls_used"`
}

// BudgetStatus shows current usage against limits for one bucket.
type BudgetStatus struct {
	Day             string       `json:"day"`
	Scope           string       `json:"scope"` // "intent" or "tier"
	Name            string       `json:"name"`
	Limits          BudgetLimits `json:"limits"`
	Used            BudgetUsage  `json:"used"`
	TokensRemaining int64        `json:"tokens_remaining"` // -1 when unlimited
	CallsRemaining  int64        `json:"calls_remaining"`  // -1 when unlimited
}

package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks one successful dispatch.
type UsageRecord struct {
	ID               int64     `json:"id"`
	Intent           string    `json:"intent"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Tier             string    `json:"tier"`
	CorrID           string    `json:"corr_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Escalations      int       `json:"escalations"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageSummary aggregates usage by intent, provider and model.
type UsageSummary struct {
	Intent          string  `json:"intent"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	RequestCount    int     `json:"request_count"`
	TotalPrompt     int     `json:"total_prompt"`
	TotalCompletion int     `json:"total_completion"`
	TotalTokens     int     `json:"total_tokens"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// CacheStats reports response cache performance.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Session aggregates usage for one session_id.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	LastProvider string    `json:"last_provider"`
	RequestCount int       `json:"request_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// SessionRequest is one request within a session with prompt growth.
type SessionRequest struct {
	Seq              int       `json:"seq"`
	Intent           string    `json:"intent"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ContextGrowth    int       `json:"context_growth"`
	CreatedAt        time.Time `json:"created_at"`
}

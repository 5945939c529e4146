package models

import "time"

// Mode is the process posture managed by the contract manager.
type Mode string

const (
	ModeService Mode = "SERVICE"
	ModeCode    Mode = "CODE"
)

// ModeSource says what decided the current mode.
type ModeSource string

const (
	SourceDynamic  ModeSource = "DYNAMIC"
	SourceManual   ModeSource = "MANUAL"
	SourceFallback ModeSource = "FALLBACK"
)

// ContractOverride pins the mode until TTLUntil.
type ContractOverride struct {
	Mode     Mode      `json:"mode"`
	TTLUntil time.Time `json:"ttl_until"`
	Reason   string    `json:"reason,omitempty"`
}

// ServiceLoad is the observed request activity.
type ServiceLoad struct {
	EWMARate float64 `json:"ewma_rate"`
	LastRate float64 `json:"last_rate"`
	Idle     bool    `json:"idle"`
}

// ModeTransition records the most recent mode change.
type ModeTransition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	TS     time.Time `json:"ts"`
	Reason string    `json:"reason"`
}

// ContractPolicy tunes the SERVICE/CODE hysteresis.
type ContractPolicy struct {
	WindowMinutes     float64 `json:"window_minutes" yaml:"window_minutes"`
	Alpha             float64 `json:"alpha" yaml:"alpha"`
	RateHigh          float64 `json:"rate_high" yaml:"rate_high"`
	RateLow           float64 `json:"rate_low" yaml:"rate_low"`
	MinModeMinutes    float64 `json:"min_mode_minutes" yaml:"min_mode_minutes"`
	IdleWindowSeconds float64 `json:"idle_window_seconds" yaml:"idle_window_seconds"`
}

// ContractState is the persisted contract manager state.
type ContractState struct {
	SchemaVersion  int               `json:"schema_version"`
	Mode           Mode              `json:"mode"`
	Source         ModeSource        `json:"source"`
	Override       *ContractOverride `json:"override,omitempty"`
	ServiceLoad    ServiceLoad       `json:"service_load"`
	LastTransition *ModeTransition   `json:"last_transition,omitempty"`
	Policy         ContractPolicy    `json:"policy"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

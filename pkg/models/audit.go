package models

import "time"

// EnvelopeSchemaVersion is written into every envelope.
const EnvelopeSchemaVersion = 1

// Severity of an envelope.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Envelope is one structured audit record in the event log.
type Envelope struct {
	SchemaVersion int            `json:"schema_version"`
	Seq           uint64         `json:"seq"`
	Event         string         `json:"event"`
	Severity      Severity       `json:"severity"`
	Component     string         `json:"component"`
	CorrID        string         `json:"corr_id"`
	TS            time.Time      `json:"ts_utc"`
	Details       map[string]any `json:"details,omitempty"`
}

// EnvelopeQuery filters envelopes read back from the log.
type EnvelopeQuery struct {
	EventPrefix string
	CorrID      string
	Severity    Severity
	Since       time.Time
	Limit       int
}

package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Message is a single chat message in a payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the provider-neutral body of a routed request.
// Tools are kept as raw JSON objects so the sanitizer can inspect and strip
// them without knowing each wire's tool schema.
type Payload struct {
	Messages    []Message         `json:"messages,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

// HasTools reports whether the payload carries at least one tool schema.
func (p Payload) HasTools() bool {
	return len(p.Tools) > 0
}

// HasToolChoice reports whether a non-null tool_choice is set.
func (p Payload) HasToolChoice() bool {
	trimmed := bytes.TrimSpace(p.ToolChoice)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Text returns the concatenated textual content used for token estimation.
func (p Payload) Text() string {
	if len(p.Messages) == 0 {
		return p.Prompt
	}
	var b strings.Builder
	if p.Prompt != "" {
		b.WriteString(p.Prompt)
	}
	for _, m := range p.Messages {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// ChatMessages returns the payload as a message list, converting a bare
// prompt into a single user message.
func (p Payload) ChatMessages() []Message {
	if len(p.Messages) > 0 {
		return p.Messages
	}
	if p.Prompt == "" {
		return nil
	}
	return []Message{{Role: "user", Content: p.Prompt}}
}

// Clone returns a deep copy so adapters and the guard never mutate the
// caller's payload.
func (p Payload) Clone() Payload {
	out := p
	if p.Messages != nil {
		out.Messages = append([]Message(nil), p.Messages...)
	}
	if p.Tools != nil {
		out.Tools = make([]json.RawMessage, len(p.Tools))
		for i, t := range p.Tools {
			out.Tools[i] = append(json.RawMessage(nil), t...)
		}
	}
	if p.ToolChoice != nil {
		out.ToolChoice = append(json.RawMessage(nil), p.ToolChoice...)
	}
	if p.Temperature != nil {
		t := *p.Temperature
		out.Temperature = &t
	}
	return out
}

// Overrides are caller-supplied routing adjustments.
type Overrides struct {
	ForceProvider string   `json:"force_provider,omitempty" yaml:"force_provider"`
	ForceModel    string   `json:"force_model,omitempty" yaml:"force_model"`
	Exclude       []string `json:"exclude,omitempty" yaml:"exclude"`
	AllowPaid     *bool    `json:"allow_paid,omitempty" yaml:"allow_paid"`
}

// ContextMetadata carries request identity and routing hints.
type ContextMetadata struct {
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	InputText string    `json:"input_text,omitempty"`
	CorrID    string    `json:"corr_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Callsite  string    `json:"callsite,omitempty"`
	Urgency   float64   `json:"urgency,omitempty"`
	Valence   float64   `json:"valence,omitempty"`
	Overrides Overrides `json:"overrides,omitempty"`
}

// Request is a single call into the router.
type Request struct {
	Intent  string          `json:"intent"`
	Payload Payload         `json:"payload"`
	Meta    ContextMetadata `json:"context_metadata"`
}

// ClassifierText returns the text the capability classifier should see:
// explicit input_text when given, otherwise the last user message.
func (r Request) ClassifierText() string {
	if r.Meta.InputText != "" {
		return r.Meta.InputText
	}
	msgs := r.Payload.ChatMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return r.Payload.Prompt
}

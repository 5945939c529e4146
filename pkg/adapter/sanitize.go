package adapter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

// Sanitizer strips tool fields a provider cannot accept and verifies every
// outbound body before it leaves the process.
type Sanitizer struct {
	strict bool
	log    zerolog.Logger
	audit  audit.Emitter
}

// NewSanitizer creates a Sanitizer. In strict mode an unsanitized outbound
// body is refused; otherwise it is stripped and a WARN envelope is emitted.
func NewSanitizer(strict bool, log zerolog.Logger, em audit.Emitter) *Sanitizer {
	if em == nil {
		em = audit.Nop{}
	}
	return &Sanitizer{strict: strict, log: log, audit: em}
}

// Strict reports whether bypasses are refused.
func (s *Sanitizer) Strict() bool { return s.strict }

// Payload returns a copy of p safe for prov and the names of stripped fields.
// Tools are dropped unless the provider declares tool support; tool_choice is
// dropped whenever no tools remain.
func (s *Sanitizer) Payload(prov policy.Provider, p models.Payload) (models.Payload, []string) {
	out := p.Clone()
	var stripped []string
	if out.HasTools() && !prov.ToolsSupported() {
		out.Tools = nil
		stripped = append(stripped, "tools")
	}
	if out.HasToolChoice() && !out.HasTools() {
		out.ToolChoice = nil
		stripped = append(stripped, "tool_choice")
	} else if !out.HasToolChoice() {
		out.ToolChoice = nil
	}
	return out, stripped
}

// Violation describes why an outbound body is unsafe for prov, or "".
func Violation(prov policy.Provider, body []byte) string {
	tools := gjson.GetBytes(body, "tools")
	choice := gjson.GetBytes(body, "tool_choice")
	hasTools := tools.Exists() && tools.Type != gjson.Null
	hasChoice := choice.Exists() && choice.Type != gjson.Null
	switch {
	case hasTools && !prov.ToolsSupported():
		return "tools sent to provider without tool support"
	case hasChoice && !prov.ToolsSupported():
		return "tool_choice sent to provider without tool support"
	case hasChoice && (!hasTools || len(tools.Array()) == 0):
		return "tool_choice sent without tools"
	}
	return ""
}

// Verify checks an encoded outbound body. It returns the body to send, which
// is stripped of tool fields in non-strict mode when a violation is found.
func (s *Sanitizer) Verify(ctx context.Context, prov policy.Provider, model, callsite string, body []byte) ([]byte, error) {
	v := Violation(prov, body)
	if v == "" {
		return body, nil
	}
	if callsite == "" {
		callsite = "unknown"
	}
	if s.strict {
		s.log.Error().Str("provider", prov.ID).Str("model", model).Str("callsite", callsite).Msg(v)
		return nil, &Error{
			Reason:     models.ReasonToolPayloadSanitizerBypassed,
			Diagnostic: fmt.Sprintf("%s (provider=%s model=%s callsite=%s)", v, prov.ID, model, callsite),
		}
	}

	out, err := sjson.DeleteBytes(body, "tools")
	if err == nil {
		out, err = sjson.DeleteBytes(out, "tool_choice")
	}
	if err != nil {
		return nil, &Error{Reason: models.ReasonToolPayloadSanitizerBypassed, Diagnostic: v, Err: err}
	}
	s.log.Warn().Str("provider", prov.ID).Str("model", model).Str("callsite", callsite).Msg("stripped unsanitized tool fields")
	s.audit.Emit(ctx, models.Envelope{
		Event:     "tool_payload.bypass",
		Severity:  models.SeverityWarn,
		Component: "adapter",
		Details: map[string]any{
			"provider":  prov.ID,
			"model":     model,
			"callsite":  callsite,
			"violation": v,
		},
	})
	return out, nil
}

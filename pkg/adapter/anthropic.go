package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicAdapter speaks the messages API through anthropic-sdk-go.
type AnthropicAdapter struct {
	san    *Sanitizer
	hc     *http.Client
	tokens TokenStore
}

// NewAnthropic creates an AnthropicAdapter.
func NewAnthropic(san *Sanitizer, hc *http.Client, tokens TokenStore) *AnthropicAdapter {
	if hc == nil {
		hc = &http.Client{}
	}
	return &AnthropicAdapter{san: san, hc: hc, tokens: tokens}
}

func (a *AnthropicAdapter) Wire() string { return policy.WireAnthropic }

// Dispatch sends one non-streaming messages request.
func (a *AnthropicAdapter) Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error) {
	key := a.tokens.APIKey(prov)
	if key == "" {
		return Response{}, &Error{Reason: models.ReasonAuthMissing, Diagnostic: fmt.Sprintf("no api key for provider %s", prov.ID)}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens(p, prov, defaultAnthropicMaxTokens)),
	}
	for _, m := range p.ChatMessages() {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if p.Temperature != nil {
		params.Temperature = anthropic.Float(*p.Temperature)
	}
	params.Tools = buildTools(p.Tools)
	if len(params.Tools) > 0 || p.HasToolChoice() {
		params.ToolChoice = buildToolChoice(p.ToolChoice)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return Response{}, &Error{Reason: models.ReasonInvalidPayload, Err: err}
	}
	if Violation(prov, body) != "" {
		if _, err := a.san.Verify(ctx, prov, model, meta.Callsite, body); err != nil {
			return Response{}, err
		}
		params.Tools = nil
		params.ToolChoice = anthropic.ToolChoiceUnionParam{}
	}

	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(key),
		anthropicoption.WithHTTPClient(a.hc),
		anthropicoption.WithMaxRetries(0),
		anthropicoption.WithMiddleware(classifyStatus),
	}
	if prov.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(prov.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, FromTransport(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := models.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return Response{Text: text.String(), Usage: usage, Raw: json.RawMessage(msg.RawJSON())}, nil
}

// buildTools accepts both messages-style {name, input_schema} and
// chat-style {type: function, function: {name, parameters}} objects.
func buildTools(raw []json.RawMessage) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range raw {
		doc := gjson.ParseBytes(t)
		if fn := doc.Get("function"); fn.Exists() {
			doc = fn
		}
		name := doc.Get("name").String()
		if name == "" {
			continue
		}
		schema := doc.Get("input_schema")
		if !schema.Exists() {
			schema = doc.Get("parameters")
		}
		var required []string
		for _, r := range schema.Get("required").Array() {
			required = append(required, r.String())
		}
		tool := &anthropic.ToolParam{
			Name: name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Get("properties").Value(),
				Required:   required,
			},
		}
		if d := doc.Get("description").String(); d != "" {
			tool.Description = anthropic.String(d)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

func buildToolChoice(raw json.RawMessage) anthropic.ToolChoiceUnionParam {
	doc := gjson.ParseBytes(raw)
	kind := doc.String()
	if doc.IsObject() {
		kind = doc.Get("type").String()
	}
	switch kind {
	case "any", "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "tool", "function":
		name := doc.Get("name").String()
		if name == "" {
			name = doc.Get("function.name").String()
		}
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: name}}
	}
	return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
}

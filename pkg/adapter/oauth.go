package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

const defaultAccountHeader = "ChatGPT-Account-Id"

// OAuthAdapter speaks the responses wire with a bearer token read from
// auth files or the environment.
type OAuthAdapter struct {
	san    *Sanitizer
	hc     *http.Client
	tokens TokenStore
}

// NewOAuth creates an OAuthAdapter.
func NewOAuth(san *Sanitizer, hc *http.Client, tokens TokenStore) *OAuthAdapter {
	if hc == nil {
		hc = &http.Client{}
	}
	return &OAuthAdapter{san: san, hc: hc, tokens: tokens}
}

func (a *OAuthAdapter) Wire() string { return policy.WireOAuth }

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model           string            `json:"model"`
	Instructions    string            `json:"instructions,omitempty"`
	Input           []responsesInput  `json:"input"`
	Tools           []json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage   `json:"tool_choice,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
}

// Dispatch posts a responses request. System messages become instructions.
func (a *OAuthAdapter) Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error) {
	tok, ok := a.tokens.Resolve(prov)
	if !ok {
		return Response{}, &Error{Reason: models.ReasonAuthMissing, Diagnostic: fmt.Sprintf("no token for provider %s", prov.ID)}
	}

	req := responsesRequest{
		Model:           model,
		Tools:           p.Tools,
		ToolChoice:      p.ToolChoice,
		MaxOutputTokens: maxTokens(p, prov, 0),
		Temperature:     p.Temperature,
	}
	var instructions []string
	for _, m := range p.ChatMessages() {
		if m.Role == "system" {
			instructions = append(instructions, m.Content)
			continue
		}
		req.Input = append(req.Input, responsesInput{Role: m.Role, Content: m.Content})
	}
	req.Instructions = strings.Join(instructions, "\n\n")

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, &Error{Reason: models.ReasonInvalidPayload, Err: err}
	}
	body, err = a.san.Verify(ctx, prov, model, meta.Callsite, body)
	if err != nil {
		return Response{}, err
	}

	opts := []option.RequestOption{bearer(tok.Access)}
	if tok.AccountID != "" {
		h := prov.AccountHeader
		if h == "" {
			h = defaultAccountHeader
		}
		opts = append(opts, option.WithHeader(h, tok.AccountID))
	}

	raw, err := post(ctx, a.hc, prov, body, opts...)
	if err != nil {
		return Response{}, err
	}
	return parseResponses(raw)
}

func parseResponses(raw []byte) (Response, error) {
	if !gjson.ValidBytes(raw) {
		return Response{}, invalid("response body is not JSON", nil)
	}
	doc := gjson.ParseBytes(raw)

	text := doc.Get("output_text").String()
	if text == "" {
		var parts []string
		doc.Get("output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				if t := c.Get("type").String(); t == "output_text" || t == "text" {
					parts = append(parts, c.Get("text").String())
				}
				return true
			})
			return true
		})
		text = strings.Join(parts, "")
	}
	if text == "" && !doc.Get("output").IsArray() {
		return Response{}, invalid("response has no output", nil)
	}

	usage := models.Usage{
		PromptTokens:     int(doc.Get("usage.input_tokens").Int()),
		CompletionTokens: int(doc.Get("usage.output_tokens").Int()),
		TotalTokens:      int(doc.Get("usage.total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return Response{Text: text, Usage: usage, Raw: raw}, nil
}

package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

// ChatAdapter speaks the chat-completions wire through openai-go.
type ChatAdapter struct {
	san    *Sanitizer
	hc     *http.Client
	tokens TokenStore
}

// NewChat creates a ChatAdapter.
func NewChat(san *Sanitizer, hc *http.Client, tokens TokenStore) *ChatAdapter {
	if hc == nil {
		hc = &http.Client{}
	}
	return &ChatAdapter{san: san, hc: hc, tokens: tokens}
}

func (a *ChatAdapter) Wire() string { return policy.WireChat }

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []models.Message  `json:"messages"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

// Dispatch posts a chat completion and normalizes the reply.
func (a *ChatAdapter) Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    p.ChatMessages(),
		Tools:       p.Tools,
		ToolChoice:  p.ToolChoice,
		MaxTokens:   maxTokens(p, prov, 0),
		Temperature: p.Temperature,
	})
	if err != nil {
		return Response{}, &Error{Reason: models.ReasonInvalidPayload, Err: err}
	}
	body, err = a.san.Verify(ctx, prov, model, meta.Callsite, body)
	if err != nil {
		return Response{}, err
	}

	raw, err := post(ctx, a.hc, prov, body, bearer(a.tokens.APIKey(prov)))
	if err != nil {
		return Response{}, err
	}

	var cc openai.ChatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Response{}, invalid("decode chat completion", err)
	}
	if len(cc.Choices) == 0 {
		return Response{}, invalid("chat completion has no choices", nil)
	}
	return Response{
		Text: cc.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     int(cc.Usage.PromptTokens),
			CompletionTokens: int(cc.Usage.CompletionTokens),
			TotalTokens:      int(cc.Usage.TotalTokens),
		},
		Raw: raw,
	}, nil
}

// post sends a raw JSON body to prov's endpoint through the openai-go client
// and returns the response body. Retries are left to the engine.
func post(ctx context.Context, hc *http.Client, prov policy.Provider, body []byte, extra ...option.RequestOption) ([]byte, error) {
	opts := []option.RequestOption{
		option.WithBaseURL(prov.BaseURL),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
		option.WithMiddleware(classifyStatus),
	}
	client := openai.NewClient(append(opts, extra...)...)

	var raw []byte
	if err := client.Post(ctx, prov.Endpoint, body, &raw); err != nil {
		return nil, FromTransport(err)
	}
	return raw, nil
}

// bearer authenticates with key, or strips the SDK's Authorization header
// when there is none.
func bearer(key string) option.RequestOption {
	if key == "" {
		return option.WithHeaderDel("authorization")
	}
	return option.WithAPIKey(key)
}

// classifyStatus turns non-2xx responses into *Error before the SDK decodes
// them, so plain-text error bodies are still classified.
func classifyStatus(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	res, err := next(req)
	if err != nil || res.StatusCode < 400 {
		return res, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	return nil, FromStatus(res.StatusCode, body)
}

func maxTokens(p models.Payload, prov policy.Provider, fallback int) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	if prov.MaxOutputTokens > 0 {
		return prov.MaxOutputTokens
	}
	return fallback
}

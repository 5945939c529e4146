package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
)

// MockCall is one request seen by a MockAdapter.
type MockCall struct {
	Provider string
	Model    string
	Payload  models.Payload
	Meta     models.ContextMetadata
	Body     []byte
}

// MockHandler answers a mock dispatch.
type MockHandler func(ctx context.Context, call MockCall) (Response, error)

// MockAdapter serves the mock wire from per-provider handlers and records
// every outbound body after verification.
type MockAdapter struct {
	san *Sanitizer

	mu       sync.Mutex
	handlers map[string]MockHandler
	calls    []MockCall
}

// NewMock creates a MockAdapter. Providers without a handler reply "ok".
func NewMock(san *Sanitizer) *MockAdapter {
	return &MockAdapter{san: san, handlers: make(map[string]MockHandler)}
}

func (m *MockAdapter) Wire() string { return policy.WireMock }

// Handle sets the handler for provider.
func (m *MockAdapter) Handle(provider string, h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[provider] = h
}

// Calls returns the recorded calls.
func (m *MockAdapter) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallsTo returns the recorded calls for provider.
func (m *MockAdapter) CallsTo(provider string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls() {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch encodes p as a chat body, verifies it and hands it to the handler.
func (m *MockAdapter) Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    p.ChatMessages(),
		Tools:       p.Tools,
		ToolChoice:  p.ToolChoice,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return Response{}, &Error{Reason: models.ReasonInvalidPayload, Err: err}
	}
	body, err = m.san.Verify(ctx, prov, model, meta.Callsite, body)
	if err != nil {
		return Response{}, err
	}

	var sent chatRequest
	if err := json.Unmarshal(body, &sent); err != nil {
		return Response{}, invalid("decode mock body", err)
	}
	call := MockCall{
		Provider: prov.ID,
		Model:    model,
		Payload: models.Payload{
			Messages:    sent.Messages,
			Tools:       sent.Tools,
			ToolChoice:  sent.ToolChoice,
			MaxTokens:   sent.MaxTokens,
			Temperature: sent.Temperature,
		},
		Meta: meta,
		Body: body,
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	h := m.handlers[prov.ID]
	m.mu.Unlock()

	if h == nil {
		h = Reply("ok")
	}
	return h(ctx, call)
}

// Reply answers with text and a usage estimate of four runes per token.
func Reply(text string) MockHandler {
	return func(_ context.Context, call MockCall) (Response, error) {
		prompt := (len([]rune(call.Payload.Text())) + 3) / 4
		completion := (len([]rune(text)) + 3) / 4
		return Response{
			Text:  text,
			Usage: models.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		}, nil
	}
}

// Fail answers with a classified error.
func Fail(reason models.ReasonCode) MockHandler {
	return func(context.Context, MockCall) (Response, error) {
		return Response{}, &Error{Reason: reason, Diagnostic: "mock failure"}
	}
}

// Sequence answers with each handler in turn, repeating the last one.
func Sequence(hs ...MockHandler) MockHandler {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, call MockCall) (Response, error) {
		mu.Lock()
		h := hs[i]
		if i < len(hs)-1 {
			i++
		}
		mu.Unlock()
		return h(ctx, call)
	}
}

// Block waits for ctx to end and reports a timeout.
func Block() MockHandler {
	return func(ctx context.Context, _ MockCall) (Response, error) {
		<-ctx.Done()
		return Response{}, FromTransport(ctx.Err())
	}
}

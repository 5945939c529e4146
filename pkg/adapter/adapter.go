// Package adapter dispatches sanitized payloads to providers over their
// configured wire protocol.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/policy"
	"github.com/pario-ai/ladder/pkg/router"
)

// Response is a provider's normalized reply.
type Response struct {
	Text   string          `json:"text"`
	Parsed any             `json:"parsed,omitempty"`
	Usage  models.Usage    `json:"usage"`
	Raw    json.RawMessage `json:"-"`
}

// Adapter speaks one wire protocol.
type Adapter interface {
	Wire() string
	Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error)
}

// Prober is implemented by adapters that can sample backend load.
type Prober interface {
	Probe(ctx context.Context, prov policy.Provider) (router.LoadSample, error)
}

// Error is a classified dispatch failure.
type Error struct {
	Reason     models.ReasonCode
	Status     int
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code from a dispatch error.
func ReasonOf(err error) models.ReasonCode {
	if err == nil {
		return models.ReasonOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return FromTransport(err).Reason
}

// Registry maps wires to adapters and sanitizes every payload before
// dispatch.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	sanitizer *Sanitizer
	log       zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(san *Sanitizer, log zerolog.Logger) *Registry {
	return &Registry{adapters: make(map[string]Adapter), sanitizer: san, log: log}
}

// Options configures the default adapter set.
type Options struct {
	Strict          bool
	GeneralAuthFile string
	MetricsCache    time.Duration
	HTTPClient      *http.Client
	Log             zerolog.Logger
	Audit           audit.Emitter
}

// NewDefault registers the chat, oauth, local and anthropic adapters.
func NewDefault(o Options) *Registry {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	san := NewSanitizer(o.Strict, o.Log, o.Audit)
	tokens := TokenStore{GeneralFile: o.GeneralAuthFile}
	chat := NewChat(san, o.HTTPClient, tokens)

	r := NewRegistry(san, o.Log)
	r.Register(chat)
	r.Register(NewOAuth(san, o.HTTPClient, tokens))
	r.Register(NewLocal(chat, o.HTTPClient, o.MetricsCache))
	r.Register(NewAnthropic(san, o.HTTPClient, tokens))
	return r
}

// Sanitizer returns the registry's sanitizer.
func (r *Registry) Sanitizer() *Sanitizer { return r.sanitizer }

// Register adds or replaces the adapter for its wire.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Wire()] = a
}

// Get returns the adapter for wire.
func (r *Registry) Get(wire string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[wire]
	return a, ok
}

// Wires returns the registered wires, sorted.
func (r *Registry) Wires() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for w := range r.adapters {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Dispatch sanitizes p for prov and sends it through the provider's wire.
func (r *Registry) Dispatch(ctx context.Context, prov policy.Provider, model string, p models.Payload, meta models.ContextMetadata) (Response, error) {
	a, ok := r.Get(prov.Wire)
	if !ok {
		return Response{}, &Error{Reason: models.ReasonInvalidResponse, Diagnostic: fmt.Sprintf("no adapter for wire %q", prov.Wire)}
	}
	clean, stripped := r.sanitizer.Payload(prov, p)
	if len(stripped) > 0 {
		r.log.Debug().Str("provider", prov.ID).Str("model", model).Strs("stripped", stripped).Msg("sanitized tool fields")
	}
	return a.Dispatch(ctx, prov, model, clean, meta)
}

// Probe samples backend load through the provider's adapter.
func (r *Registry) Probe(ctx context.Context, prov policy.Provider) (router.LoadSample, error) {
	a, ok := r.Get(prov.Wire)
	if !ok {
		return router.LoadSample{}, fmt.Errorf("no adapter for wire %q", prov.Wire)
	}
	p, ok := a.(Prober)
	if !ok {
		return router.LoadSample{}, fmt.Errorf("wire %q has no metrics probe", prov.Wire)
	}
	return p.Probe(ctx, prov)
}

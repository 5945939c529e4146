// Package proxy serves the router over HTTP.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/circuit"
	"github.com/pario-ai/ladder/pkg/config"
	"github.com/pario-ai/ladder/pkg/contract"
	"github.com/pario-ai/ladder/pkg/engine"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/pairing"
)

const maxBodyBytes = 8 << 20

// Server is the ladder HTTP surface. Contract, Pairing and Circuits are
// optional; their endpoints answer 404 when unset.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	contract *contract.Manager
	pairing  *pairing.Preflight
	circuits *circuit.Breaker
	log      zerolog.Logger
	mux      *http.ServeMux
	metrics  string
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, eng *engine.Engine, cm *contract.Manager, pf *pairing.Preflight, cb *circuit.Breaker, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		contract: cm,
		pairing:  pf,
		circuits: cb,
		log:      log,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/execute", s.handleExecute)
	s.mux.HandleFunc("POST /v1/select", s.handleSelect)
	s.mux.HandleFunc("POST /v1/explain", s.handleExplain)
	s.mux.HandleFunc("GET /v1/intents/{intent}/status", s.handleIntentStatus)
	s.mux.HandleFunc("GET /v1/contract", s.handleContract)
	s.mux.HandleFunc("POST /v1/contract/override", s.handleSetOverride)
	s.mux.HandleFunc("DELETE /v1/contract/override", s.handleClearOverride)
	s.mux.HandleFunc("POST /v1/pairing/preflight", s.handlePreflight)
	s.mux.HandleFunc("GET /v1/circuits", s.handleCircuits)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Metrics.Enabled {
		s.metrics = cfg.Metrics.Path
		if s.metrics == "" {
			s.metrics = "/metrics"
		}
		s.mux.Handle("GET "+s.metrics, promhttp.Handler())
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	if s.authorized(r) {
		s.mux.ServeHTTP(sw, r)
	} else {
		writeJSONError(sw, http.StatusUnauthorized, "unauthorized", "missing or invalid "+s.cfg.Auth.Header)
	}
	ev := s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", sw.status).
		Dur("elapsed", time.Since(start))
	if tok := r.Header.Get(s.cfg.Auth.Header); tok != "" {
		hash, _ := audit.HashAPIKey(tok)
		ev = ev.Str("caller", hash[:12])
	}
	ev.Msg("http request")
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("ladder listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// authorized checks the token header. Health and metrics are exempt.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.cfg.Auth.Tokens) == 0 {
		return true
	}
	if r.URL.Path == "/healthz" || (s.metrics != "" && r.URL.Path == s.metrics) {
		return true
	}
	got := []byte(r.Header.Get(s.cfg.Auth.Header))
	if len(got) == 0 {
		return false
	}
	for _, tok := range s.cfg.Auth.Tokens {
		if subtle.ConstantTimeCompare(got, []byte(tok)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Meta.RequestID == "" {
		req.Meta.RequestID = r.Header.Get("X-Request-ID")
	}
	res := s.engine.Execute(r.Context(), req)
	w.Header().Set("X-Ladder-Corr-ID", res.CorrID)
	if res.Cached {
		w.Header().Set("X-Ladder-Cache", "hit")
	}
	code := http.StatusOK
	if !res.OK {
		code = StatusFor(res.ReasonCode)
	}
	writeJSON(w, code, res)
}

type selectRequest struct {
	Intent string                 `json:"intent"`
	Meta   models.ContextMetadata `json:"context_metadata"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	sel, err := s.engine.SelectModel(r.Context(), req.Intent, req.Meta)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if !decode(w, r, &req) {
		return
	}
	ex, err := s.engine.ExplainRoute(r.Context(), req.Intent, req.Meta, req.Payload)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.IntentStatus(r.PathValue("intent"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if s.contract == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "contract manager disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.contract.State())
}

type overrideRequest struct {
	Mode       models.Mode `json:"mode"`
	TTLSeconds int         `json:"ttl_seconds"`
	Reason     string      `json:"reason"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	if s.contract == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "contract manager disabled")
		return
	}
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.contract.SetOverride(req.Mode, time.Duration(req.TTLSeconds)*time.Second, req.Reason)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_override", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	if s.contract == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "contract manager disabled")
		return
	}
	st, err := s.contract.ClearOverride()
	if err != nil {
		s.log.Error().Err(err).Msg("clear contract override")
		writeJSONError(w, http.StatusInternalServerError, "internal", "failed to persist contract state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type preflightRequest struct {
	CorrID string `json:"corr_id"`
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "pairing preflight not configured")
		return
	}
	var req preflightRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CorrID == "" {
		req.CorrID = audit.NewCorrID()
	}
	out := s.pairing.Check(r.Context(), req.CorrID)
	code := http.StatusOK
	if !out.Admitted() {
		code = StatusFor(out.Reason)
	}
	writeJSON(w, code, out)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if s.circuits == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "circuit breaker not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.circuits.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.contract != nil {
		body["mode"] = s.contract.State().Mode
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		s.log.Error().Err(err).Msg("engine call failed")
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	code := StatusFor(ee.Reason)
	if ee.Reason == models.ReasonInvalidIntent {
		code = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":        ee.Reason.Category(),
			"reason":      ee.Reason,
			"message":     ee.Error(),
			"remediation": ee.Reason.Remediation(),
		},
	})
}

// StatusFor maps a reason code onto an HTTP status.
func StatusFor(r models.ReasonCode) int {
	switch r {
	case models.ReasonOK:
		return http.StatusOK
	case models.ReasonContextTooLarge, models.ReasonRequestTokenCapExceeded:
		return http.StatusRequestEntityTooLarge
	case models.ReasonRequestTimeout:
		return http.StatusGatewayTimeout
	case models.ReasonPairingLocked:
		return http.StatusConflict
	}
	switch r.Category() {
	case "input":
		return http.StatusBadRequest
	case "budget":
		return http.StatusTooManyRequests
	case "routing", "circuit":
		return http.StatusServiceUnavailable
	case "transport", "auth":
		return http.StatusBadGateway
	case "tools":
		return http.StatusUnprocessableEntity
	case "pairing":
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, typ, code)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

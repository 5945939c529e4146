package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/pario-ai/ladder/pkg/models"
)

const maxDiagnostic = 512

var pairingMarkers = []string{"chat not found", "pairing required", "device not paired"}

// FromStatus classifies a non-2xx upstream response.
func FromStatus(status int, body []byte) *Error {
	diag := diagnostic(body)
	lower := strings.ToLower(diag)
	for _, m := range pairingMarkers {
		if strings.Contains(lower, m) {
			return &Error{Reason: models.ReasonPairingRequired, Status: status, Diagnostic: diag}
		}
	}

	var reason models.ReasonCode
	switch {
	case status == http.StatusTooManyRequests:
		reason = models.ReasonRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		reason = models.ReasonAuthForbidden
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		reason = models.ReasonRequestTimeout
	case status >= 500:
		reason = models.ReasonRequestHTTP5xx
	default:
		reason = models.ReasonInvalidResponse
	}
	return &Error{Reason: reason, Status: status, Diagnostic: diag}
}

// FromTransport classifies an error raised before a response was read.
func FromTransport(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Reason: models.ReasonRequestTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Reason: models.ReasonRequestTimeout, Err: err}
	}
	var ue *url.Error
	var oe *net.OpError
	if errors.As(err, &ue) || errors.As(err, &oe) {
		return &Error{Reason: models.ReasonRequestTimeout, Diagnostic: "connection failed", Err: err}
	}
	return &Error{Reason: models.ReasonInvalidResponse, Err: err}
}

func invalid(format string, err error) *Error {
	return &Error{Reason: models.ReasonInvalidResponse, Diagnostic: format, Err: err}
}

func diagnostic(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxDiagnostic {
		return s
	}
	cut := maxDiagnostic
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

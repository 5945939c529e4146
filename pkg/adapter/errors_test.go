package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/pario-ai/ladder/pkg/models"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   models.ReasonCode
	}{
		{401, `{"error":"bad key"}`, models.ReasonAuthForbidden},
		{403, `forbidden`, models.ReasonAuthForbidden},
		{429, `slow down`, models.ReasonRateLimited},
		{500, `boom`, models.ReasonRequestHTTP5xx},
		{503, ``, models.ReasonRequestHTTP5xx},
		{504, ``, models.ReasonRequestTimeout},
		{400, `{"error":{"message":"Chat not found"}}`, models.ReasonPairingRequired},
		{502, `pairing required for this device`, models.ReasonPairingRequired},
		{404, `nope`, models.ReasonInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			e := FromStatus(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, e.Reason)
			assert.Equal(t, tt.status, e.Status)
		})
	}
}

func TestDiagnosticTruncated(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = 'x'
	}
	assert.Len(t, FromStatus(500, body).Diagnostic, maxDiagnostic)
}

func TestDiagnosticKeepsRunesWhole(t *testing.T) {
	// 511 ASCII bytes then three-byte runes: byte 512 falls inside one.
	body := []byte(strings.Repeat("x", 511) + strings.Repeat("日本", 100))
	diag := FromStatus(502, body).Diagnostic
	assert.True(t, utf8.ValidString(diag))
	assert.Equal(t, strings.Repeat("x", 511), diag)

	diag = FromStatus(502, []byte(strings.Repeat("é", 400))).Diagnostic
	assert.True(t, utf8.ValidString(diag))
	assert.Len(t, diag, maxDiagnostic)
}

func TestFromTransport(t *testing.T) {
	assert.Equal(t, models.ReasonRequestTimeout, FromTransport(context.DeadlineExceeded).Reason)
	assert.Equal(t, models.ReasonRequestTimeout, FromTransport(fmt.Errorf("post: %w", context.Canceled)).Reason)
	assert.Equal(t, models.ReasonInvalidResponse, FromTransport(errors.New("weird")).Reason)

	wrapped := fmt.Errorf("dispatch: %w", &Error{Reason: models.ReasonRateLimited})
	assert.Equal(t, models.ReasonRateLimited, FromTransport(wrapped).Reason)
	assert.Equal(t, models.ReasonRateLimited, ReasonOf(wrapped))
	assert.Equal(t, models.ReasonOK, ReasonOf(nil))
}

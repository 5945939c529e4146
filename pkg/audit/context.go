package audit

import (
	"context"

	"github.com/google/uuid"
)

type corrIDKey struct{}

// WithCorrID attaches a correlation id to ctx.
func WithCorrID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, corrIDKey{}, corrID)
}

// CorrID returns the correlation id carried by ctx, or "".
func CorrID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(corrIDKey{}).(string)
	return v
}

// NewCorrID returns a fresh correlation id.
func NewCorrID() string {
	return uuid.NewString()
}

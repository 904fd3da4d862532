package logging

import (
	"context"

	"github.com/google/uuid"
)

type logIDKey struct{}

// NewLogID mints a fresh request log id.
func NewLogID() string {
	return uuid.NewString()
}

// ContextWithLogID stores a request log id in ctx.
func ContextWithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logIDKey{}, logID)
}

// LogIDFromContext returns the log id stored by ContextWithLogID, or "".
func LogIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(logIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Package reqid carries the HTTP request correlation id through contexts.
package reqid

import (
	"context"
	"log/slog"
)

type key struct{}

// With returns a new context with the provided request ID attached.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From extracts the request ID from the context, if present.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if s, ok := ctx.Value(key{}).(string); ok && s != "" {
		return s, true
	}
	return "", false
}

// Logger tags log with the request id found in ctx.
func Logger(ctx context.Context, log *slog.Logger) *slog.Logger {
	if id, ok := From(ctx); ok {
		return log.With("request_id", id)
	}
	return log
}

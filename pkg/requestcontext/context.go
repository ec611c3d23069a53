// Package requestcontext provides HTTP-independent context accessors for
// values that follow an operation across outgoing API calls.
//
// Callers that want to correlate several calls (a whole sign-in attempt, a
// transcript upload and its polling) attach one request ID up front:
//
//	ctx = requestcontext.WithRequestID(ctx, uuid.NewString())
//
// The API client reuses it for every call made with that context; without
// one it generates a fresh ID per call.
package requestcontext

import (
	"context"
	"time"
)

type (
	requestIDKey   struct{}
	requestTimeKey struct{}
)

var (
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// RequestID returns the correlation ID, or "" when none was attached.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now returns the injected time if present, otherwise time.Now().
func Now(ctx context.Context) time.Time {
	if v, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return v
	}
	return time.Now()
}

// WithTime pins Now for tests.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}

// Package context carries per-invocation identity through a context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Using unexported struct pointers prevents key collisions.
var (
	invocationIDKey = &struct{}{}
	operationKey    = &struct{}{}
	startTimeKey    = &struct{}{}
)

// NewInvocationID creates a new unique invocation id. It doubles as the
// origin identity recorded in history and cache entries.
func NewInvocationID() string {
	return "inv_" + uuid.New().String()
}

// WithInvocationID adds an invocation id to the context, generating one when empty
func WithInvocationID(parent context.Context, id string) context.Context {
	if id == "" {
		id = NewInvocationID()
	}
	return context.WithValue(parent, invocationIDKey, id)
}

// InvocationID retrieves the invocation id from context
func InvocationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(invocationIDKey).(string)
	return id, ok && id != ""
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// Operation retrieves the operation name from context
func Operation(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operationKey).(string)
	return op, ok && op != ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// Elapsed returns the time since the start time recorded in ctx, or zero
func Elapsed(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// EnrichContext ensures an invocation id and start time are present
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if _, ok := InvocationID(ctx); !ok {
		ctx = WithInvocationID(ctx, "")
	}
	return WithStartTime(ctx, time.Now())
}

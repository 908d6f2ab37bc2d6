package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// NewContext attaches l to ctx
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or the default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// TraceID returns the trace id stored in ctx
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext adds a fresh trace id to ctx and to the logger carried by it
func WithTraceContext(ctx context.Context) (context.Context, zerolog.Logger) {
	traceID := uuid.NewString()
	l := FromContext(ctx).With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return NewContext(ctx, l), l
}

// TickContext tags the context logger with the tick sequence number
func TickContext(ctx context.Context, tick uint64) (context.Context, zerolog.Logger) {
	l := FromContext(ctx).With().Uint64("tick", tick).Logger()
	return NewContext(ctx, l), l
}

// UserContext tags the context logger with the user being evaluated
func UserContext(ctx context.Context, userID string) (context.Context, zerolog.Logger) {
	l := FromContext(ctx).With().Str("user_id", userID).Logger()
	return NewContext(ctx, l), l
}

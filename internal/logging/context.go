// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewCorrelationID creates a short, human-scannable correlation id: the
// first 8 characters of a UUIDv4. Used to tie together the log lines of
// one failover sweep or one follow-primary run.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithNewCorrelationID attaches a freshly generated correlation id to ctx.
func WithNewCorrelationID(ctx context.Context) context.Context {
	return WithCorrelationID(ctx, NewCorrelationID())
}

// CorrelationID returns the id previously attached to ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger derived from base with the context's correlation id
// attached, if any. Subsystems call logging.Ctx(ctx, e.log) rather than
// threading a bare correlation id string through every call.
func Ctx(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if id := CorrelationID(ctx); id != "" {
		return base.With().Str("correlation_id", id).Logger()
	}
	return base
}

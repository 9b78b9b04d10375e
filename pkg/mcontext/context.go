// Package mcontext carries the logger, tracer, and request id through a
// context.Context, the way every service method in this core expects to
// find them.
package mcontext

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mlog"
)

type contextKey string

const coreContextKey contextKey = "ledger_core_context"

// coreContext bundles everything carried through a request-scoped
// context.Context under a single key, avoiding a proliferation of
// independent context keys across packages.
type coreContext struct {
	Logger    mlog.Logger
	Tracer    trace.Tracer
	RequestID string
}

// NewLoggerFromContext extracts the Logger attached to ctx, or a no-op
// logger if none was attached.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) mlog.Logger {
	if cc, ok := ctx.Value(coreContextKey).(*coreContext); ok && cc.Logger != nil {
		return cc.Logger
	}

	return &mlog.NoneLogger{}
}

// ContextWithLogger returns a derived context carrying logger.
func ContextWithLogger(ctx context.Context, logger mlog.Logger) context.Context {
	cc := cloneOrNew(ctx)
	cc.Logger = logger

	return context.WithValue(ctx, coreContextKey, cc)
}

// NewTracerFromContext extracts the trace.Tracer attached to ctx, or the
// global default tracer if none was attached.
//
//nolint:ireturn
func NewTracerFromContext(ctx context.Context) trace.Tracer {
	if cc, ok := ctx.Value(coreContextKey).(*coreContext); ok && cc.Tracer != nil {
		return cc.Tracer
	}

	return otel.Tracer("ledger-core")
}

// ContextWithTracer returns a derived context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	cc := cloneOrNew(ctx)
	cc.Tracer = tracer

	return context.WithValue(ctx, coreContextKey, cc)
}

// RequestIDFromContext extracts the request id attached to ctx, or "" if
// none was attached.
func RequestIDFromContext(ctx context.Context) string {
	if cc, ok := ctx.Value(coreContextKey).(*coreContext); ok {
		return cc.RequestID
	}

	return ""
}

// ContextWithRequestID returns a derived context carrying requestID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	cc := cloneOrNew(ctx)
	cc.RequestID = requestID

	return context.WithValue(ctx, coreContextKey, cc)
}

func cloneOrNew(ctx context.Context) *coreContext {
	if cc, ok := ctx.Value(coreContextKey).(*coreContext); ok {
		cp := *cc
		return &cp
	}

	return &coreContext{}
}

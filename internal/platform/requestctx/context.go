// Package requestctx carries per-request values (logger, trace identity)
// through context without the HTTP layer and the services layer importing
// each other.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

type traceKey struct{}

// TraceInfo is the request's trace identity as extracted by the tracing
// middleware. ProjectID is carried alongside so log entries can build the
// fully qualified Cloud Logging trace resource name.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger attaches a request-scoped logger to the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the request-scoped logger, or nil when none was attached.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*zap.Logger)
	return logger
}

// WithTrace attaches the trace identity to the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace returns the trace identity, or the zero value when none was attached.
func Trace(ctx context.Context) TraceInfo {
	if ctx == nil {
		return TraceInfo{}
	}
	info, _ := ctx.Value(traceKey{}).(TraceInfo)
	return info
}

// TraceID is shorthand for Trace(ctx).TraceID.
func TraceID(ctx context.Context) string {
	return Trace(ctx).TraceID
}

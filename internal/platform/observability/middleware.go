package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/platform/requestctx"
)

// InjectLoggerMiddleware seeds the request context with the service logger
// so every handler and service reaches the same sink.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware emits one completion line per request with the
// route, status, latency, and trace correlation fields, and replaces the
// context logger with one carrying those fields for downstream log lines.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			logger := requestctx.Logger(ctx)
			if logger == nil {
				logger = zap.NewNop()
			}

			info := requestctx.Trace(ctx)
			logger = logger.With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", logSafe(r.Method, 10)),
				zap.String("route", routePattern(r)),
				zap.String("trace_id", info.TraceID),
			)
			if info.ProjectID != "" && info.TraceID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace",
					fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)))
			}
			if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
				logger = logger.With(zap.String("user_id", logSafe(identity.UID, 64)))
			}
			if ip := clientIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}

			ctx = requestctx.WithLogger(ctx, logger)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				rec := recover()
				if rec != nil {
					status = http.StatusInternalServerError
				}

				if span := trace.SpanFromContext(ctx); span != nil {
					span.SetAttributes(
						attribute.Int("http.response.status_code", status),
						attribute.String("http.route", routePattern(r)),
					)
					if status >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(status))
					}
				}

				fields := []zap.Field{
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", int64(ww.BytesWritten())),
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}

				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns panics into logged 500 responses using the
// standard error envelope.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == nil {
					logger = fallback
				}
				if logger == nil {
					logger = zap.NewNop()
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return logSafe(pattern, 180)
		}
	}
	return logSafe(requestPath(r), 180)
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return logSafe(addr, 64)
}

// logSafe strips control characters and caps the value so header-derived
// strings cannot inject log lines.
func logSafe(value string, limit int) string {
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return string(cleaned)
}

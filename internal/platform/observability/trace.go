package observability

import (
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maplecart/api/internal/platform/requestctx"
)

// Cloud Run and the Google load balancers propagate trace identity in this
// header as TRACE_ID/SPAN_ID;o=1, with the span ID in decimal.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("maplecart/api")

// TraceMiddleware opens a server span for each request, continuing the
// incoming Cloud Trace context when the header is present, and stores the
// trace identity on the request context for log correlation.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			info := requestctx.TraceInfo{ProjectID: projectID}
			if remote, ok := parseCloudTraceHeader(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
				info.TraceID = remote.TraceID().String()
				info.SpanID = remote.SpanID().String()
				info.Sampled = remote.IsSampled()
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+requestPath(r),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", requestPath(r)),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.IsValid() {
				info.TraceID = sc.TraceID().String()
				info.SpanID = sc.SpanID().String()
				info.Sampled = sc.IsSampled()
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

func parseCloudTraceHeader(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	slash := strings.IndexByte(header, '/')
	if slash < 0 {
		return trace.SpanContext{}, false
	}

	traceID, err := trace.TraceIDFromHex(header[:slash])
	if err != nil {
		return trace.SpanContext{}, false
	}

	rest := header[slash+1:]
	sampled := false
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		sampled = strings.Contains(rest[semi+1:], "o=1")
		rest = rest[:semi]
	}

	spanID, ok := parseSpanID(rest)
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

// parseSpanID accepts the documented decimal form first, then 16-char hex
// for clients that send W3C-style span IDs in the legacy header.
func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if num, err := strconv.ParseUint(value, 10, 64); err == nil && num != 0 {
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], num)
		return id, true
	}
	if id, err := trace.SpanIDFromHex(value); err == nil {
		return id, true
	}
	return trace.SpanID{}, false
}

func requestPath(r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

package observability

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
)

// Audit logs a management-API mutation. Records carry the request id and,
// when the request is traced, the trace id so they can be joined with spans.
func Audit(r *http.Request, event string, attrs ...any) {
	ctx := r.Context()
	fields := []any{
		slog.String("event", event),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimiddleware.GetReqID(ctx)),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, slog.String("trace_id", sc.TraceID().String()))
	}
	slog.InfoContext(ctx, "audit", append(fields, slog.Group("details", attrs...))...)
}

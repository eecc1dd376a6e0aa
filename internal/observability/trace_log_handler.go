package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// spanLogHandler wraps an slog.Handler and stamps log records with trace_id
// and span_id when the context carries an active span, so log lines can be
// joined with exported traces.
type spanLogHandler struct {
	inner slog.Handler
}

// NewSpanLogHandler returns an slog.Handler that injects trace_id and span_id
// from the context's active span into each record. A nil inner falls back to
// slog.Default().Handler().
func NewSpanLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &spanLogHandler{inner: inner}
}

func (h *spanLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *spanLogHandler) Handle(ctx context.Context, rec slog.Record) error {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		rec.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *spanLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *spanLogHandler) WithGroup(name string) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithGroup(name)}
}

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter redacts credential-shaped strings from spans before they
// leave the process. The intercept path handles bearer API keys on every
// request, and upstream error spans can quote response bodies that echo an
// sk-prefixed key back verbatim, so every exported string attribute, event
// attribute, and status description passes through the credential scrubber.
// Runs inside the batch export goroutine, off the request path.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

// ExportSpans redacts and delegates. Spans with no credential material are
// forwarded as-is; only tainted spans are copied.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		if spanCarriesCredential(span) {
			out[i] = redactSpan(span)
		} else {
			out[i] = span
		}
	}
	return e.wrapped.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

func spanCarriesCredential(span sdktrace.ReadOnlySpan) bool {
	if attrsCarryCredential(span.Attributes()) {
		return true
	}
	for _, event := range span.Events() {
		if attrsCarryCredential(event.Attributes) {
			return true
		}
	}
	return ContainsCredential(span.Status().Description)
}

func attrsCarryCredential(attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		if attr.Value.Type() == attribute.STRING && ContainsCredential(attr.Value.AsString()) {
			return true
		}
	}
	return false
}

// redactSpan rebuilds a tainted span through a mutable stub. Correlation and
// route attributes survive untouched; only the matched secrets change.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = redactAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = redactAttributes(event.Attributes)
	}
	if ContainsCredential(stub.Status.Description) {
		stub.Status.Description = ScrubCredentials(stub.Status.Description)
	}
	return stub.Snapshot()
}

func redactAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			if value := attr.Value.AsString(); ContainsCredential(value) {
				out[i] = attribute.String(string(attr.Key), ScrubCredentials(value))
				continue
			}
		}
		out[i] = attr
	}
	return out
}

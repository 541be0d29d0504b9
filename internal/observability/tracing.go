package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation library.
const tracerName = "github.com/nictes1/orquesta"

// StartSpan starts a span under the globally installed tracer provider
// and attaches the turn correlation ids as attributes. The core never
// installs a provider itself; without one this is a no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if id := ConversationID(ctx); id != "" {
		span.SetAttributes(attribute.String("conversation_id", id))
	}
	if id := WorkspaceID(ctx); id != "" {
		span.SetAttributes(attribute.String("workspace_id", id))
	}
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("optisync/engine")

// startIntent opens a span for one user intent.
func startIntent(ctx context.Context, name, key string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "engine."+name)
	span.SetAttributes(attribute.String("engine.key", key))
	return ctx, span
}

// endIntent records err on span and ends it.
func endIntent(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

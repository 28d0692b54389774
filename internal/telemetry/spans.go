package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/ruleflow/pkg/proto"
)

const tracerName = "github.com/nkkko/ruleflow"

// StartSpan starts a span on the global provider. With tracing disabled the
// provider is a no-op and the returned span records nothing.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends the span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

// EventAttributes describes an event for span attributes
func EventAttributes(event *proto.Event) []attribute.KeyValue {
	if event == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("event.id", event.Id),
		attribute.String("event.type", event.Type.String()),
		attribute.String("event.destination", event.Destination),
	}
}

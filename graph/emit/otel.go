package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AttributePrefix namespaces the span attributes set by OTelEmitter.
const AttributePrefix = "interruptgraph."

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "run_suspended")
//   - Attributes: run ID, step count, step name and all event.Meta fields
//   - Status: Error if event.Meta["error"] exists
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("interruptgraph"))
//	engine, _ := graph.New(g, st, graph.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span that starts and ends at event.At. Events
// carrying "duration_ms" get a span covering that duration.
func (o *OTelEmitter) Emit(event Event) {
	o.emit(context.Background(), event)
}

// EmitBatch records several events under ctx, so they share its trace.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.emit(ctx, event)
	}
	return ctx.Err()
}

func (o *OTelEmitter) emit(ctx context.Context, event Event) {
	end := event.At
	if end.IsZero() {
		end = time.Now()
	}
	start := end
	if ms, ok := durationMillis(event.Meta["duration_ms"]); ok {
		start = end.Add(-time.Duration(ms) * time.Millisecond)
	}

	_, span := o.tracer.Start(ctx, event.Msg, trace.WithTimestamp(start))
	defer span.End(trace.WithTimestamp(end))

	span.SetAttributes(
		attribute.String(AttributePrefix+"run_id", event.RunID),
		attribute.Int(AttributePrefix+"step", event.Step),
	)
	if event.StepName != "" {
		span.SetAttributes(attribute.String(AttributePrefix+"step_name", event.StepName))
	}
	addMetadataAttributes(span, event.Meta)

	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

// Flush forces export of pending spans when the tracer provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context, tp trace.TracerProvider) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// addMetadataAttributes converts event metadata to prefixed span attributes.
func addMetadataAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := AttributePrefix + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

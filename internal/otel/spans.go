package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for RelayQ spans.
var (
	AttrTaskID    = attribute.Key("relayq.task.id")
	AttrTaskType  = attribute.Key("relayq.task.type")
	AttrChatID    = attribute.Key("relayq.chat.id")
	AttrTenant    = attribute.Key("relayq.tenant")
	AttrOwner     = attribute.Key("relayq.worker.owner")
	AttrAttempt   = attribute.Key("relayq.task.attempt")
	AttrEventSeq  = attribute.Key("relayq.event.seq")
	AttrEventKind = attribute.Key("relayq.event.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

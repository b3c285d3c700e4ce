package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agencydb spans.
var (
	AttrAgencyID         = attribute.Key("agencydb.agency.id")
	AttrActorID          = attribute.Key("agencydb.actor.id")
	AttrRunID            = attribute.Key("agencydb.migration.run_id")
	AttrMigrationVersion = attribute.Key("agencydb.migration.version")
	AttrMigrationSteps   = attribute.Key("agencydb.migration.steps")
	AttrTargetVersion    = attribute.Key("agencydb.migration.target")
	AttrReadOnly         = attribute.Key("agencydb.conn.read_only")
	AttrDurable          = attribute.Key("agencydb.conn.durable")
	AttrConnectAttempt   = attribute.Key("agencydb.conn.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for a blocking database operation.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

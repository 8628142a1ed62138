package deploy

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "confgraph.deploy"

func startSpan(ctx context.Context, op, txID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "deploy."+op,
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.String("tx.op", op),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, res *Result, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
	if res != nil {
		span.SetAttributes(
			attribute.Int("tx.changes", res.Changes),
			attribute.Int("tx.services", len(res.Services)),
			attribute.Int("tx.infrastructure", len(res.Infrastructure)),
			attribute.Int("tx.deleted", len(res.Deleted)),
			attribute.Int("tx.swept", len(res.Swept)),
		)
	}
}

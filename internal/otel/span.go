// Package otel provides the span helpers of the sync engine.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/kbsync/internal/retry"
)

// Span names of one sync run. A run span parents one document span per
// feed entry, which parents one target span per selected target.
const (
	SpanRun      = "sync.Run"
	SpanDocument = "sync.Document"
	SpanTarget   = "sync.Target"
)

// Attribute keys shared by the sync spans
const (
	AttrRunID       = attribute.Key("kbsync.run.id")
	AttrTargetID    = attribute.Key("kbsync.target.id")
	AttrDocumentURL = attribute.Key("kbsync.document.url")
	AttrOutcome     = attribute.Key("kbsync.document.outcome")
	AttrDocuments   = attribute.Key("kbsync.run.documents")
	AttrErrorReason = attribute.Key("kbsync.error.reason")
)

// Start starts a span with attrs. With a nil tracer the span already in ctx
// is returned, so callers never check whether tracing is on.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed. Classified errors also carry their
// retry reason. The status description stays generic because error texts can
// echo request URLs.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "operation failed")

	var ce *retry.ClassifiedError
	if errors.As(err, &ce) {
		span.SetAttributes(AttrErrorReason.String(string(ce.Reason)))
	}
}

// SetOutcome records the document or target outcome on span
func SetOutcome(span trace.Span, outcome string) {
	span.SetAttributes(AttrOutcome.String(outcome))
}

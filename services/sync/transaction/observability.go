// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const transactionTracerName = "glyphsync.transaction"

// Tracer provides OpenTelemetry tracing for coordinator operations.
//
// # Description
//
// Wraps the OpenTelemetry tracer with span creation for transaction
// begin, commit and cancel. When disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new transaction tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(transactionTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartBegin starts a span for opening a transaction.
//
// # Inputs
//
//   - ctx: Parent context for span creation.
//   - kind: Kind of transaction being opened.
//   - description: Transaction label.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: The created span. Caller must call EndBegin when done.
func (t *Tracer) StartBegin(ctx context.Context, kind Kind, description string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "transaction.begin",
		trace.WithAttributes(
			attribute.String("tx.kind", string(kind)),
			attribute.String("tx.description", truncateForTrace(description, 100)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "opening transaction",
		slog.String("kind", string(kind)),
		slog.String("description", description),
	)

	return ctx, span
}

// EndBegin completes a begin span.
//
// # Inputs
//
//   - span: The span to end.
//   - tx: The opened transaction (may be nil on error).
//   - err: Error if begin failed.
func (t *Tracer) EndBegin(span trace.Span, tx *Transaction, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	if tx != nil {
		span.SetAttributes(attribute.String("tx.id", tx.ID))
	}
}

// StartCommit starts a span for committing a transaction.
//
// # Inputs
//
//   - ctx: Parent context for span creation.
//   - tx: The transaction being committed.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: The created span. Caller must call EndCommit when done.
func (t *Tracer) StartCommit(ctx context.Context, tx *Transaction) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "transaction.commit",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("tx.kind", string(tx.Kind)),
			attribute.String("tx.description", truncateForTrace(tx.Description, 100)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "committing transaction",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
	)

	return ctx, span
}

// EndCommit completes a commit span.
//
// # Inputs
//
//   - span: The span to end.
//   - ops: Number of operations the commit produced.
//   - err: Error if the commit failed.
func (t *Tracer) EndCommit(span trace.Span, ops int, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("tx.operations", ops))
}

// RecordCancel records a cancellation event on the current span.
//
// # Inputs
//
//   - ctx: Context that may contain an active span.
//   - tx: The cancelled transaction.
//   - reason: Why the transaction was cancelled.
func (t *Tracer) RecordCancel(ctx context.Context, tx *Transaction, reason string) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("transaction_cancelled",
			trace.WithAttributes(
				attribute.String("tx.id", tx.ID),
				attribute.String("tx.reason", truncateForTrace(reason, 100)),
			),
		)
	}

	t.logger.DebugContext(ctx, "transaction cancelled",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.String("reason", reason),
	)
}

// RecordExpiration records a group that ended because its capture window
// elapsed.
func (t *Tracer) RecordExpiration(ctx context.Context, tx *Transaction) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("group_expired",
			trace.WithAttributes(attribute.String("tx.id", tx.ID)),
		)
	}

	t.logger.DebugContext(ctx, "group expired",
		slog.String("tx_id", tx.ID),
		slog.String("description", tx.Description),
	)
}

// truncateForTrace truncates a string for use in span attributes.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace context fields.
//
// # Description
//
// Extracts trace_id and span_id from the context and adds them
// to the logger for correlation with distributed traces.
//
// # Inputs
//
//   - ctx: Context that may contain trace information.
//   - logger: Base logger to extend.
//
// # Outputs
//
//   - *slog.Logger: Logger with trace_id and span_id if available.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "glyphsync.crdt"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

var (
	transactionsTotal   metric.Int64Counter
	operationsTotal     metric.Int64Counter
	transactionDuration metric.Float64Histogram
	pendingOperations   metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		transactionsTotal, err = meter.Int64Counter(
			"crdt_transactions_total",
			metric.WithDescription("Document transactions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationsTotal, err = meter.Int64Counter(
			"crdt_operations_total",
			metric.WithDescription("Operations integrated into documents"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"crdt_transaction_duration_seconds",
			metric.WithDescription("Time spent holding the document lock per transaction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pendingOperations, err = meter.Int64UpDownCounter(
			"crdt_pending_operations",
			metric.WithDescription("Remote operations waiting for causal dependencies"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordTransaction(ctx context.Context, outcome string, ops int, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	transactionsTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, d.Seconds(), attrs)
	if ops > 0 {
		operationsTotal.Add(ctx, int64(ops), metric.WithAttributes(attribute.String("source", "local")))
	}
}

func recordMerge(ctx context.Context, applied int) {
	if initMetrics() != nil || applied == 0 {
		return
	}
	operationsTotal.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("source", "remote")))
}

func recordPending(ctx context.Context, delta int) {
	if initMetrics() != nil || delta == 0 {
		return
	}
	pendingOperations.Add(ctx, int64(delta))
}

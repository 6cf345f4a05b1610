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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("glyphsync.transaction")

var (
	beginTotal          metric.Int64Counter
	commitTotal         metric.Int64Counter
	cancelTotal         metric.Int64Counter
	expiredTotal        metric.Int64Counter
	transactionDuration metric.Float64Histogram
	operationsPerTx     metric.Int64Histogram
	activeGauge         metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		beginTotal, err = meter.Int64Counter(
			"transaction_begin_total",
			metric.WithDescription("Transactions opened by kind and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"transaction_commit_total",
			metric.WithDescription("Transactions committed by kind and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cancelTotal, err = meter.Int64Counter(
			"transaction_cancel_total",
			metric.WithDescription("Transactions cancelled by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		expiredTotal, err = meter.Int64Counter(
			"transaction_group_expired_total",
			metric.WithDescription("Groups ended by capture window expiry"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"transaction_duration_seconds",
			metric.WithDescription("Time a transaction stayed open"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationsPerTx, err = meter.Int64Histogram(
			"transaction_operations",
			metric.WithDescription("Operations committed per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"transaction_active",
			metric.WithDescription("Currently open transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// recordBegin records an attempt to open a transaction.
func recordBegin(ctx context.Context, kind Kind, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	beginTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", status(success)),
	))
	if success {
		activeGauge.Add(ctx, 1)
	}
}

// recordCommit records a resolved transaction.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - kind: Transaction kind.
//   - duration: How long the transaction was open.
//   - ops: Operations committed.
//   - success: Whether the commit succeeded.
func recordCommit(ctx context.Context, kind Kind, duration time.Duration, ops int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", status(success)),
	)
	commitTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsPerTx.Record(ctx, int64(ops), attrs)
	activeGauge.Add(ctx, -1)
}

// recordCancel records a cancelled transaction.
func recordCancel(ctx context.Context, kind Kind, duration time.Duration) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", "cancelled"),
	)
	cancelTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	activeGauge.Add(ctx, -1)
}

// recordExpired records a group ended by its capture window.
func recordExpired(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	expiredTotal.Add(ctx, 1)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exchange

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("arbor.exchange")

var (
	exportedOps       metric.Int64Counter
	exportedBatches   metric.Int64Counter
	importedOps       metric.Int64Counter
	reconcileTotal    metric.Int64Counter
	reconcileDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		exportedOps, err = meter.Int64Counter(
			"arbor_exchange_exported_operations_total",
			metric.WithDescription("Operations read out for a peer"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		exportedBatches, err = meter.Int64Counter(
			"arbor_exchange_exported_batches_total",
			metric.WithDescription("Batches read out for a peer"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		importedOps, err = meter.Int64Counter(
			"arbor_exchange_imported_operations_total",
			metric.WithDescription("Imported operations by resulting status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconcileTotal, err = meter.Int64Counter(
			"arbor_exchange_reconcile_total",
			metric.WithDescription("Reconcile calls by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reconcileDuration, err = meter.Float64Histogram(
			"arbor_exchange_reconcile_duration_seconds",
			metric.WithDescription("Duration of Reconcile calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordExport(ctx context.Context, ops, batches int) {
	if err := initMetrics(); err != nil {
		return
	}
	exportedOps.Add(ctx, int64(ops))
	exportedBatches.Add(ctx, int64(batches))
}

func recordImport(ctx context.Context, rep Report) {
	if err := initMetrics(); err != nil {
		return
	}
	for status, n := range map[string]int{
		"integrated": rep.Integrated,
		"duplicate":  rep.Duplicate,
		"pending":    rep.Pending,
		"rejected":   rep.Rejected,
	} {
		if n > 0 {
			importedOps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
		}
	}
}

func recordReconcile(ctx context.Context, d time.Duration, err error) {
	if err := initMetrics(); err != nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	reconcileTotal.Add(ctx, 1, attrs)
	reconcileDuration.Record(ctx, d.Seconds(), attrs)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbor_oplog_appends_total",
		Help: "Append calls by resulting status",
	}, []string{"status"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbor_oplog_rejections_total",
		Help: "Operations rejected by reason",
	}, []string{"reason"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbor_oplog_append_duration_seconds",
		Help:    "Time from Append call to durable integration",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbor_oplog_pending",
		Help: "Buffered operations by wait reason",
	}, []string{"reason"})

	integrityTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_oplog_integrity_timeouts_total",
		Help: "Buffered operations dropped at the pending horizon",
	})

	replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_oplog_replayed_total",
		Help: "Operations replayed from storage on open",
	})
)

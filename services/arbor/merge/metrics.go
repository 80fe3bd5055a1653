// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbor_merge_operations_total",
		Help: "Operations integrated by kind and outcome",
	}, []string{"kind", "outcome"})

	cycleReversionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_merge_cycle_reversions_total",
		Help: "Moves reverted to break a parent cycle",
	})

	replayedOperations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbor_merge_replayed_operations",
		Help:    "Later operations undone and re-applied per out-of-order arrival",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
	})
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package view

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "view_cache_requests_total",
		Help: "View reads by cache and result (hit or miss)",
	}, []string{"cache", "result"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "view_cache_build_duration_seconds",
		Help:    "Time spent materializing a view from a snapshot",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"cache"})

	buildErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "view_cache_build_errors_total",
		Help: "Failed view builds",
	}, []string{"cache"})
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package undo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stackDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "undo_stack_depth",
		Help: "Entries on the undo and redo stacks per manager",
	}, []string{"manager", "stack"})

	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "undo_apply_total",
		Help: "Undo and redo operations by outcome",
	}, []string{"manager", "kind", "outcome"})
)

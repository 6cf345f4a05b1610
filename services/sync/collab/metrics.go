// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_sent_total",
		Help: "Operations handed to transports",
	})

	opsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_received_total",
		Help: "Operations received from transports",
	})

	sendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_send_errors_total",
		Help: "Transport Send calls that failed",
	})

	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_resyncs_total",
		Help: "Full operation log replays",
	})

	presenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_presence_updates_total",
		Help: "Presence updates by direction and outcome",
	}, []string{"direction", "outcome"})
)

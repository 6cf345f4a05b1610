// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_peers_connected",
		Help: "Websocket peers currently connected",
	})

	hubsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_hubs_open",
		Help: "Documents with at least one connected peer",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Frames handled by source and message type",
	}, []string{"source", "type"})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Frames dropped by reason",
	}, []string{"reason"})

	opsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ops_stored_total",
		Help: "New operations appended to the op log",
	})

	backlogOpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_backlog_ops_total",
		Help: "Operations replayed to joining or resyncing peers",
	})
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay hosts per-document websocket hubs for glyphsync peers.
//
// A peer connects to /v1/docs/{doc}/ws and exchanges collab.Envelope
// frames. The relay keeps an operation log per document so late joiners
// and reconnecting peers receive everything they missed, forwards
// operations and presence to the other peers of the document, and, when a
// Redis client is configured, fans frames out to every other relay
// serving the same document.
//
// The relay never merges operations; it only validates, de-duplicates,
// stores and forwards them. Convergence is the peers' job.
//
// Routes:
//
//	GET /health              liveness and hub counts
//	GET /metrics             Prometheus metrics
//	GET /v1/docs             open documents and their peer counts
//	GET /v1/docs/:doc/ops    the document's operation log as JSON
//	GET /v1/docs/:doc/ws     websocket endpoint, ?peer=<name>
package relay

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crdt provides the shared document store: a replicated JSON-like
// tree that converges across peers without coordination.
//
// # Architecture Overview
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                 Transaction Coordinator / Merge                      │
//	└───────────────┬───────────────────────────────────┬──────────────────┘
//	                │ Transact(fn)                      │ Merge(ops)
//	                ▼                                   ▼
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                          Document                                    │
//	│   root map ── nodes[ID] ── entries (LWW) / elems (RGA)               │
//	│   op log ── seen set ── pending (causally blocked ops)               │
//	└───────────────┬──────────────────────────────────────────────────────┘
//	                │ one Event per transaction, in commit order
//	                ▼
//	        ObserveDeep listeners (view cache, undo, bridge)
//
// # Core Concepts
//
// ## Identity
//
// Every operation carries an ID{Clock, Actor}: a Lamport clock paired with
// the replica's actor name. IDs are totally ordered (clock first, actor as
// tiebreak), which gives every conflict a deterministic winner.
//
// A container (map or list) created by an operation takes that operation's
// ID as its node ID. The root map has the zero ID.
//
// ## Maps
//
// Map keys hold last-writer-wins registers. A delete leaves a tombstone that
// still carries the deleting operation's ID, so a concurrent older set cannot
// resurrect the key.
//
// ## Lists
//
// Lists are replicated growable arrays. An element records the ID of the
// element it was inserted after. Integration places a new element right after
// its anchor, then skips over elements with a greater ID. Deleted elements
// stay as tombstones so later inserts can still anchor on them. Each element
// also carries a last-writer-wins register so list.set can replace its value
// in place.
//
// ## Transactions and Events
//
// All local mutation happens inside Transact. Operations produced inside one
// transaction form an atomic unit: if the callback fails they are rolled back
// and nothing is observed. A committed transaction produces exactly one Event
// listing its operations and the changes they made, including the state each
// change replaced. Those prior states are what makes selective undo possible.
//
// Remote operations arrive through Merge. Operations whose container or
// anchor is not known yet are buffered and integrated as soon as their
// dependencies arrive. Re-applying a known operation is a no-op.
//
// # Thread Safety
//
// Document is safe for concurrent use. Observers run outside the document
// lock, one at a time, in commit order; they may read the document or start
// new transactions.
package crdt

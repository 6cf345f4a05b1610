// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist keeps a durable, replayable log of document operations.
//
// The Journal is a write-ahead log on the embedded store: every batch a
// document integrates is appended as one checksummed entry. Replaying the
// log into a fresh document reproduces the same node identities, so peers
// holding older operations can keep merging with the restored replica.
// Checkpoints store a compressed snapshot next to the log for export and
// inspection; they never replace the log.
//
// Key layout:
//
//	ops:{doc}:{seq:016d}   [4-byte CRC32][JSON operation batch]
//	checkpoint:{doc}       [8-byte seq][zstd JSON snapshot]
package persist

import "errors"

// OriginJournal tags batches merged from the journal during Restore.
const OriginJournal = "journal"

var (
	// ErrJournalClosed is returned after Close.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when an entry fails its checksum or decode.
	ErrCorrupted = errors.New("journal entry corrupted")

	// ErrNoCheckpoint is returned by LoadCheckpoint when none was written.
	ErrNoCheckpoint = errors.New("no checkpoint")
)

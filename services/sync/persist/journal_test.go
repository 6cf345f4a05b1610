// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/storage/badger"
)

func openStore(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openJournal(t *testing.T, db *badger.DB, cfg Config) *Journal {
	t.Helper()
	if cfg.Doc == "" {
		cfg.Doc = "font"
	}
	j, err := NewJournal(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func edit(t *testing.T, doc *crdt.Document, fn func(*crdt.Txn) error) {
	t.Helper()
	_, err := doc.Transact(context.Background(), crdt.OriginLocal, "edit", fn)
	require.NoError(t, err)
}

func TestNewJournal_Validation(t *testing.T) {
	db := openStore(t)
	_, err := NewJournal(nil, Config{Doc: "font"})
	assert.Error(t, err)
	_, err = NewJournal(db, Config{})
	assert.Error(t, err)
}

func TestFollowAndRestore(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	j := openJournal(t, db, Config{})

	doc := crdt.New(crdt.Config{Actor: "alice"})
	defer doc.Close()
	stop := j.Follow(doc)

	edit(t, doc, func(tx *crdt.Txn) error {
		return tx.Set(snapshot.Path{"glyphs"}, snapshot.Map{"A": snapshot.Map{"width": 500.0}})
	})
	edit(t, doc, func(tx *crdt.Txn) error {
		return tx.Set(snapshot.Path{"glyphs", "A", "width"}, 550.0)
	})
	stop()
	edit(t, doc, func(tx *crdt.Txn) error {
		return tx.Set(snapshot.Path{"unlogged"}, true)
	})

	assert.Equal(t, uint64(2), j.Stats().LastSeq)

	restored := crdt.New(crdt.Config{Actor: "alice"})
	defer restored.Close()
	n, err := j.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	got, ok := restored.SnapshotAt(snapshot.Path{"glyphs", "A", "width"})
	require.True(t, ok)
	assert.Equal(t, 550.0, got)
	_, ok = restored.SnapshotAt(snapshot.Path{"unlogged"})
	assert.False(t, ok)

	// Restored replicas share node identities, so the original's later
	// operations still merge.
	require.NoError(t, restored.Merge(ctx, doc.Operations(), crdt.OriginRemote))
	assert.True(t, snapshot.Equal(doc.Snapshot(), restored.Snapshot()))

	// Restoring must not re-append the replayed batches.
	follow := j.Follow(restored)
	defer follow()
	_, err = j.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), j.Stats().LastSeq)
}

func TestJournal_ContinuesSequence(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	op := crdt.Operation{
		ID:      crdt.ID{Clock: 1, Actor: "alice"},
		Kind:    crdt.OpMapSet,
		Target:  crdt.RootID,
		Key:     "k",
		Content: &crdt.Content{Kind: crdt.ContentScalar, Scalar: "v"},
	}

	first, err := NewJournal(db, Config{Doc: "font"})
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, []crdt.Operation{op}))
	require.NoError(t, first.Append(ctx, nil))
	require.NoError(t, first.Close())
	assert.ErrorIs(t, first.Append(ctx, []crdt.Operation{op}), ErrJournalClosed)

	second := openJournal(t, db, Config{Doc: "font"})
	assert.Equal(t, uint64(1), second.Stats().LastSeq)
	op.ID.Clock = 2
	require.NoError(t, second.Append(ctx, []crdt.Operation{op}))

	var clocks []uint64
	n, err := second.Replay(ctx, func(ops []crdt.Operation) error {
		clocks = append(clocks, ops[0].ID.Clock)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, clocks)

	other := openJournal(t, db, Config{Doc: "other"})
	n, err = other.Replay(ctx, func([]crdt.Operation) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplay_Corrupted(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	j := openJournal(t, db, Config{})
	op := crdt.Operation{
		ID:     crdt.ID{Clock: 1, Actor: "alice"},
		Kind:   crdt.OpMapDelete,
		Target: crdt.RootID,
		Key:    "k",
	}
	require.NoError(t, j.Append(ctx, []crdt.Operation{op}))
	require.NoError(t, db.Set(ctx, j.opsKey(2), []byte{0, 0, 0, 0, '[', ']'}))

	_, err := j.Replay(ctx, func([]crdt.Operation) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupted)

	lenient := openJournal(t, db, Config{SkipCorrupted: true})
	n, err := lenient.Replay(ctx, func([]crdt.Operation) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), lenient.Stats().CorruptedCount)
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, openStore(t), Config{})

	_, _, err := j.LoadCheckpoint(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	snap := snapshot.Map{
		"glyphs": snapshot.Map{"A": snapshot.Map{"width": 500.0, "paths": snapshot.List{}}},
		"name":   "Test Sans",
	}
	require.NoError(t, j.Checkpoint(ctx, snap))

	got, seq, err := j.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.True(t, snapshot.Equal(snap, got))
	assert.False(t, j.Stats().LastCheckpoint.IsZero())
}

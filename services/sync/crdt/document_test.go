// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

func p(s string) snapshot.Path { return snapshot.ParsePath(s) }

func fontDoc(t *testing.T, actor string) *Document {
	t.Helper()
	d := New(Config{Actor: actor})
	_, err := d.Transact(context.Background(), OriginLocal, "seed", func(tx *Txn) error {
		return tx.Set(p("glyphs"), snapshot.Map{
			"A": snapshot.Map{"width": 500.0, "paths": snapshot.List{}},
			"B": snapshot.Map{"width": 600.0},
		})
	})
	require.NoError(t, err)
	return d
}

// replicate merges every op of src into dst.
func replicate(t *testing.T, src, dst *Document) {
	t.Helper()
	require.NoError(t, dst.Merge(context.Background(), src.Operations(), OriginRemote))
}

func TestTransact_SetAndRead(t *testing.T) {
	d := fontDoc(t, "alice")

	commit, err := d.Transact(context.Background(), OriginLocal, "widen", func(tx *Txn) error {
		if err := tx.Set(p("glyphs.A.width"), 550); err != nil {
			return err
		}
		v, ok, err := tx.Get(p("glyphs.A.width"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 550.0, v, "reads inside the transaction see its own writes")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, commit.Ops, 1)
	require.Len(t, commit.Changes, 1)
	assert.NotEmpty(t, commit.TxID)

	ch := commit.Changes[0]
	assert.Equal(t, "glyphs.A", ch.Path.String())
	assert.Equal(t, "glyphs.A.width", ch.LeafPath().String())
	assert.True(t, ch.Prev.Existed)
	assert.Equal(t, 500.0, ch.Prev.Value)

	v, ok := d.SnapshotAt(p("glyphs.A.width"))
	require.True(t, ok)
	assert.Equal(t, 550.0, v)
}

func TestTransact_Rollback(t *testing.T) {
	d := fontDoc(t, "alice")
	before := d.Snapshot()
	clock := d.Clock()
	opsBefore := len(d.Operations())

	var events int
	d.ObserveDeep(func(Event) { events++ })

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := d.Transact(context.Background(), OriginLocal, "fails", func(tx *Txn) error {
			require.NoError(t, tx.Set(p("glyphs.A.width"), 999))
			require.NoError(t, tx.Delete(p("glyphs.B")))
			require.NoError(t, tx.Set(p("glyphs.C"), snapshot.Map{"width": 1.0}))
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("panic", func(t *testing.T) {
		_, err := d.Transact(context.Background(), OriginLocal, "panics", func(tx *Txn) error {
			require.NoError(t, tx.Set(p("glyphs.A.width"), 1))
			panic("bad script")
		})
		assert.ErrorIs(t, err, ErrTransactionPanicked)
	})

	assert.True(t, snapshot.Equal(before, d.Snapshot()))
	assert.Equal(t, clock, d.Clock())
	assert.Len(t, d.Operations(), opsBefore)
	assert.Zero(t, events)
}

func TestTransact_EmptyEmitsNoEvent(t *testing.T) {
	d := fontDoc(t, "alice")
	var events int
	d.ObserveDeep(func(Event) { events++ })

	commit, err := d.Transact(context.Background(), OriginLocal, "nothing", func(*Txn) error { return nil })
	require.NoError(t, err)
	assert.True(t, commit.Empty())
	assert.Zero(t, events)
}

func TestTxn_UseAfterResolve(t *testing.T) {
	d := fontDoc(t, "alice")
	var stash *Txn
	_, err := d.Transact(context.Background(), OriginLocal, "stash", func(tx *Txn) error {
		stash = tx
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, stash.Set(p("glyphs.A.width"), 1), ErrNoTransaction)
	assert.ErrorIs(t, stash.Delete(p("glyphs.A")), ErrNoTransaction)
	assert.ErrorIs(t, stash.Insert(p("glyphs.A.paths.0"), 1), ErrNoTransaction)
	assert.ErrorIs(t, stash.SetMeta("k", "v"), ErrNoTransaction)
	_, _, err = stash.Get(p("glyphs"))
	assert.ErrorIs(t, err, ErrNoTransaction)
	_, err = stash.Revert(nil, nil)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestTxn_PathErrors(t *testing.T) {
	d := fontDoc(t, "alice")
	_, err := d.Transact(context.Background(), OriginLocal, "errors", func(tx *Txn) error {
		assert.ErrorIs(t, tx.Set(snapshot.Path{}, 1), ErrRootImmutable)
		assert.ErrorIs(t, tx.Set(p("glyphs.Z.width"), 1), ErrPathNotFound)
		assert.ErrorIs(t, tx.Set(p("glyphs.A.width.x"), 1), ErrNotContainer)
		assert.ErrorIs(t, tx.Delete(p("glyphs.Q")), ErrPathNotFound)
		assert.ErrorIs(t, tx.Insert(p("glyphs.A.paths.4"), 1), ErrIndexOutOfRange)
		assert.ErrorIs(t, tx.Insert(p("glyphs.A.x"), 1), ErrNotContainer)
		return nil
	})
	require.NoError(t, err)
}

func TestTxn_ListOperations(t *testing.T) {
	d := fontDoc(t, "alice")
	ctx := context.Background()

	_, err := d.Transact(ctx, OriginLocal, "nodes", func(tx *Txn) error {
		require.NoError(t, tx.Append(p("glyphs.A.paths"), "b"))
		require.NoError(t, tx.Insert(p("glyphs.A.paths.0"), "a"))
		require.NoError(t, tx.Append(p("glyphs.A.paths"), "d"))
		require.NoError(t, tx.Insert(p("glyphs.A.paths.2"), "c"))
		return nil
	})
	require.NoError(t, err)
	v, _ := d.SnapshotAt(p("glyphs.A.paths"))
	assert.Equal(t, snapshot.List{"a", "b", "c", "d"}, v)

	commit, err := d.Transact(ctx, OriginLocal, "edit", func(tx *Txn) error {
		require.NoError(t, tx.Delete(p("glyphs.A.paths.1")))
		require.NoError(t, tx.Set(p("glyphs.A.paths.0"), snapshot.Map{"x": 1.0}))
		return nil
	})
	require.NoError(t, err)
	v, _ = d.SnapshotAt(p("glyphs.A.paths"))
	assert.Equal(t, snapshot.List{snapshot.Map{"x": 1.0}, "c", "d"}, v)

	require.Len(t, commit.Changes, 3)
	assert.Equal(t, OpListDelete, commit.Changes[0].Op.Kind)
	assert.Equal(t, 1, commit.Changes[0].Index)
	assert.Equal(t, "b", commit.Changes[0].Prev.Value)
	assert.Equal(t, OpListSet, commit.Changes[1].Op.Kind)
	assert.Equal(t, "glyphs.A.paths.0.x", commit.Changes[2].LeafPath().String())
}

func TestMerge_Convergence(t *testing.T) {
	ctx := context.Background()
	a := fontDoc(t, "alice")
	b := New(Config{Actor: "bob"})
	replicate(t, a, b)
	require.True(t, snapshot.Equal(a.Snapshot(), b.Snapshot()))

	seq := len(a.Operations())

	_, err := a.Transact(ctx, OriginLocal, "a edits", func(tx *Txn) error {
		require.NoError(t, tx.Set(p("glyphs.A.width"), 510))
		require.NoError(t, tx.Insert(p("glyphs.A.paths.0"), "from-a"))
		return tx.Delete(p("glyphs.B"))
	})
	require.NoError(t, err)
	_, err = b.Transact(ctx, OriginLocal, "b edits", func(tx *Txn) error {
		require.NoError(t, tx.Set(p("glyphs.A.width"), 520))
		require.NoError(t, tx.Insert(p("glyphs.A.paths.0"), "from-b"))
		return tx.Set(p("glyphs.B.width"), 650)
	})
	require.NoError(t, err)

	aOps := a.Operations()[seq:]
	bOps := b.Operations()[seq:]
	require.NoError(t, a.Merge(ctx, bOps, OriginRemote))
	require.NoError(t, b.Merge(ctx, aOps, OriginRemote))

	sa, sb := a.Snapshot(), b.Snapshot()
	assert.True(t, snapshot.Equal(sa, sb), "replicas diverged:\n%v\n%v", sa, sb)

	paths, _ := snapshot.Get(sa, p("glyphs.A.paths"))
	assert.Len(t, paths, 2)
	assert.Equal(t, a.Clock(), b.Clock())
}

func TestMerge_ConvergesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	src := fontDoc(t, "alice")
	_, err := src.Transact(ctx, OriginLocal, "outline", func(tx *Txn) error {
		return tx.Append(p("glyphs.A.paths"), snapshot.Map{
			"closed": true,
			"nodes":  snapshot.List{snapshot.Map{"x": 0.0, "y": 0.0}, snapshot.Map{"x": 10.0, "y": 0.0}},
		})
	})
	require.NoError(t, err)
	ops := src.Operations()

	reversed := make([]Operation, len(ops))
	for i, op := range ops {
		reversed[len(ops)-1-i] = op
	}

	forward := New(Config{Actor: "f"})
	require.NoError(t, forward.Merge(ctx, ops, OriginRemote))

	backward := New(Config{Actor: "b"})
	half := len(reversed) / 2
	require.NoError(t, backward.Merge(ctx, reversed[:half], OriginRemote))
	assert.Positive(t, backward.Pending(), "ops with unknown targets are buffered")
	require.NoError(t, backward.Merge(ctx, reversed[half:], OriginRemote))
	assert.Zero(t, backward.Pending())

	assert.True(t, snapshot.Equal(src.Snapshot(), forward.Snapshot()))
	assert.True(t, snapshot.Equal(src.Snapshot(), backward.Snapshot()))
}

func TestMerge_Idempotent(t *testing.T) {
	a := fontDoc(t, "alice")
	b := New(Config{Actor: "bob"})

	var events int
	b.ObserveDeep(func(Event) { events++ })

	replicate(t, a, b)
	first := b.Snapshot()
	replicate(t, a, b)
	replicate(t, a, b)

	assert.True(t, snapshot.Equal(first, b.Snapshot()))
	assert.Len(t, b.Operations(), len(a.Operations()))
	assert.Equal(t, 1, events, "re-applied operations produce no event")
}

func TestMerge_SkipsMalformed(t *testing.T) {
	d := New(Config{Actor: "bob"})
	err := d.Merge(context.Background(), []Operation{
		{Kind: OpMapSet, Target: RootID, Key: "x", Content: scalarContent(1.0)},
		{ID: ID{Clock: 1, Actor: "a"}, Kind: "bogus"},
		{ID: ID{Clock: 2, Actor: "a"}, Kind: OpMapSet, Target: RootID, Key: "ok", Content: scalarContent("yes")},
	}, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Map{"ok": "yes"}, d.Snapshot())
}

func TestMerge_QueuedDuringTransaction(t *testing.T) {
	ctx := context.Background()
	a := fontDoc(t, "alice")
	b := New(Config{Actor: "bob"})
	replicate(t, a, b)

	_, err := a.Transact(ctx, OriginLocal, "remote width", func(tx *Txn) error {
		return tx.Set(p("glyphs.B.width"), 700)
	})
	require.NoError(t, err)
	remote := a.Operations()

	var order []string
	b.ObserveDeep(func(ev Event) { order = append(order, ev.Origin) })

	_, err = b.Transact(ctx, OriginLocal, "local", func(tx *Txn) error {
		require.NoError(t, b.Merge(ctx, remote, "peer"))
		v, _, _ := tx.Get(p("glyphs.B.width"))
		assert.Equal(t, 600.0, v, "remote batch must wait for the transaction")
		return tx.Set(p("glyphs.A.width"), 550)
	})
	require.NoError(t, err)

	s := b.Snapshot()
	w, _ := snapshot.Get(s, p("glyphs.B.width"))
	assert.Equal(t, 700.0, w)
	assert.Equal(t, []string{OriginLocal, "peer"}, order)
}

func TestObserveDeep(t *testing.T) {
	ctx := context.Background()
	d := fontDoc(t, "alice")

	var (
		mu     sync.Mutex
		events []Event
	)
	unsubscribe := d.ObserveDeep(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		w, _ := d.SnapshotAt(p("glyphs.A.width"))
		assert.Equal(t, 550.0, w, "observers see post-transaction state")
	})

	_, err := d.Transact(ctx, OriginLocal, "widen", func(tx *Txn) error {
		require.NoError(t, tx.SetMeta("tool", "test"))
		return tx.Set(p("glyphs.A.width"), 550)
	})
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	_, err = d.Transact(ctx, OriginLocal, "after unsubscribe", func(tx *Txn) error {
		return tx.Set(p("glyphs.B.width"), 1)
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	ev := events[0]
	assert.True(t, ev.Local)
	assert.Equal(t, "widen", ev.Description)
	assert.Equal(t, "test", ev.Meta["tool"])
	require.Len(t, ev.Paths(), 1)
	assert.Equal(t, "glyphs.A.width", ev.Paths()[0].String())
}

func TestObserveDeep_NestedTransactionOrdering(t *testing.T) {
	ctx := context.Background()
	d := fontDoc(t, "alice")

	var seen []string
	d.ObserveDeep(func(ev Event) {
		seen = append(seen, ev.Description)
		if ev.Description == "first" {
			_, err := d.Transact(ctx, OriginLocal, "second", func(tx *Txn) error {
				return tx.Set(p("glyphs.B.width"), 2)
			})
			assert.NoError(t, err)
		}
	})
	d.ObserveDeep(func(ev Event) { seen = append(seen, "other:"+ev.Description) })

	_, err := d.Transact(ctx, OriginLocal, "first", func(tx *Txn) error {
		return tx.Set(p("glyphs.A.width"), 1)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "other:first", "second", "other:second"}, seen)
}

func TestRevert_SkipsSlotsOverwrittenByOthers(t *testing.T) {
	ctx := context.Background()
	a := fontDoc(t, "alice")
	b := New(Config{Actor: "bob"})
	replicate(t, a, b)
	seq := len(a.Operations())

	local, err := a.Transact(ctx, OriginLocal, "L", func(tx *Txn) error {
		require.NoError(t, tx.Set(p("glyphs.A.width"), 550))
		return tx.Set(p("glyphs.B.width"), 650)
	})
	require.NoError(t, err)
	replicate(t, a, b)

	_, err = b.Transact(ctx, OriginLocal, "R", func(tx *Txn) error {
		return tx.Set(p("glyphs.B.width"), 700)
	})
	require.NoError(t, err)
	require.NoError(t, a.Merge(ctx, b.Operations()[seq:], OriginRemote))

	var res RevertResult
	_, err = a.Transact(ctx, OriginUndo, "revert L", func(tx *Txn) error {
		var err error
		res, err = tx.Revert(local.Changes, nil)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reverted)
	assert.Len(t, res.Restored, 1)
	s := a.Snapshot()
	aw, _ := snapshot.Get(s, p("glyphs.A.width"))
	bw, _ := snapshot.Get(s, p("glyphs.B.width"))
	assert.Equal(t, 500.0, aw)
	assert.Equal(t, 700.0, bw, "remote write must survive")
}

func TestRevert_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d := fontDoc(t, "alice")
	before := d.Snapshot()

	edit, err := d.Transact(ctx, OriginLocal, "edit", func(tx *Txn) error {
		require.NoError(t, tx.Set(p("glyphs.C"), snapshot.Map{"width": 300.0, "paths": snapshot.List{"p"}}))
		require.NoError(t, tx.Delete(p("glyphs.B")))
		require.NoError(t, tx.Append(p("glyphs.A.paths"), "x"))
		require.NoError(t, tx.Set(p("glyphs.A.width"), 1))
		return tx.Set(p("glyphs.A.width"), 2)
	})
	require.NoError(t, err)
	after := d.Snapshot()

	undo, err := d.Transact(ctx, OriginUndo, "undo", func(tx *Txn) error {
		_, err := tx.Revert(edit.Changes, nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(before, d.Snapshot()), "got %v", d.Snapshot())

	_, err = d.Transact(ctx, OriginUndo, "redo", func(tx *Txn) error {
		_, err := tx.Revert(undo.Changes, nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(after, d.Snapshot()), "got %v", d.Snapshot())
}

func TestLoadAndFromSnapshot(t *testing.T) {
	ctx := context.Background()
	d := fontDoc(t, "alice")

	snap := snapshot.Map{"glyphs": snapshot.Map{"Z": snapshot.Map{"width": 1.0}}, "info": snapshot.Map{"family": "Test"}}
	_, err := d.Load(ctx, snap)
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(snap, d.Snapshot()))

	_, err = d.Load(ctx, snapshot.Map{"info": snapshot.Map{}})
	require.NoError(t, err)
	assert.Equal(t, snapshot.Map{"info": snapshot.Map{}}, d.Snapshot())

	ops, err := FromSnapshot("carol", snap)
	require.NoError(t, err)
	fresh := New(Config{Actor: "dave"})
	require.NoError(t, fresh.Merge(ctx, ops, OriginRemote))
	assert.True(t, snapshot.Equal(snap, fresh.Snapshot()))
}

func TestClose(t *testing.T) {
	d := New(Config{Actor: "a"})
	d.Close()
	_, err := d.Transact(context.Background(), OriginLocal, "x", func(*Txn) error { return nil })
	assert.ErrorIs(t, err, ErrDocumentClosed)
	assert.ErrorIs(t, d.Merge(context.Background(), nil, OriginRemote), ErrDocumentClosed)
}

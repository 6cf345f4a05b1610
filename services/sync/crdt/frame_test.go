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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// listDoc returns alice's document with glyphs.A.paths = [a b c] and a
// replica for bob.
func listDoc(t *testing.T) (alice, bob *Document) {
	t.Helper()
	ctx := context.Background()
	alice = fontDoc(t, "alice")
	_, err := alice.Transact(ctx, OriginLocal, "paths", func(tx *Txn) error {
		for _, s := range []string{"a", "b", "c"} {
			if err := tx.Append(p("glyphs.A.paths"), s); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	bob = New(Config{Actor: "bob"})
	replicate(t, alice, bob)
	return alice, bob
}

// remote runs fn on from and merges the result into to.
func remote(t *testing.T, from, to *Document, fn func(tx *Txn) error) {
	t.Helper()
	ctx := context.Background()
	commit, err := from.Transact(ctx, OriginLocal, "remote", fn)
	require.NoError(t, err)
	require.NoError(t, to.Merge(ctx, commit.Ops, OriginRemote))
}

func TestCapture(t *testing.T) {
	d := fontDoc(t, "alice")
	f := d.Capture()
	snap := f.Snapshot()
	assert.True(t, snapshot.Equal(d.Snapshot(), snap))

	snap["glyphs"].(snapshot.Map)["A"] = "mutated"
	assert.True(t, snapshot.Equal(d.Snapshot(), f.Snapshot()), "Snapshot returns a copy")
}

func TestSetIn_FollowsElementIdentity(t *testing.T) {
	ctx := context.Background()
	alice, bob := listDoc(t)
	f := alice.Capture()

	remote(t, bob, alice, func(tx *Txn) error { return tx.Insert(p("glyphs.A.paths.0"), "X") })

	_, err := alice.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
		ok, err := tx.SetIn(f, p("glyphs.A.paths.2"), "C")
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)

	got, _ := alice.SnapshotAt(p("glyphs.A.paths"))
	assert.Equal(t, snapshot.List{"X", "a", "b", "C"}, got)

	replicate(t, alice, bob)
	assert.True(t, snapshot.Equal(alice.Snapshot(), bob.Snapshot()))
}

func TestSetIn_SkipsRemovedTargets(t *testing.T) {
	ctx := context.Background()

	t.Run("detached container", func(t *testing.T) {
		alice, bob := listDoc(t)
		f := alice.Capture()
		remote(t, bob, alice, func(tx *Txn) error { return tx.Delete(p("glyphs.B")) })

		commit, err := alice.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
			ok, err := tx.SetIn(f, p("glyphs.B.width"), 700)
			assert.False(t, ok)
			return err
		})
		require.NoError(t, err)
		assert.True(t, commit.Empty())
		_, exists := alice.SnapshotAt(p("glyphs.B"))
		assert.False(t, exists)
	})

	t.Run("deleted element", func(t *testing.T) {
		alice, bob := listDoc(t)
		f := alice.Capture()
		remote(t, bob, alice, func(tx *Txn) error { return tx.Delete(p("glyphs.A.paths.1")) })

		_, err := alice.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
			ok, err := tx.SetIn(f, p("glyphs.A.paths.1"), "B")
			assert.False(t, ok)
			return err
		})
		require.NoError(t, err)
		got, _ := alice.SnapshotAt(p("glyphs.A.paths"))
		assert.Equal(t, snapshot.List{"a", "c"}, got)
	})
}

func TestDeleteIn(t *testing.T) {
	ctx := context.Background()
	alice, bob := listDoc(t)
	f := alice.Capture()
	remote(t, bob, alice, func(tx *Txn) error {
		if err := tx.Delete(p("glyphs.B")); err != nil {
			return err
		}
		return tx.Insert(p("glyphs.A.paths.0"), "X")
	})

	_, err := alice.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
		ok, err := tx.DeleteIn(f, p("glyphs.B"))
		require.NoError(t, err)
		assert.False(t, ok, "already deleted by bob")

		// Descending deletes of the last two captured elements.
		for _, i := range []int{2, 1} {
			ok, err := tx.DeleteIn(f, p("glyphs.A.paths").Child(i))
			require.NoError(t, err)
			assert.True(t, ok)
		}
		return nil
	})
	require.NoError(t, err)
	got, _ := alice.SnapshotAt(p("glyphs.A.paths"))
	assert.Equal(t, snapshot.List{"X", "a"}, got)
}

func TestInsertIn(t *testing.T) {
	ctx := context.Background()
	alice, bob := listDoc(t)
	f := alice.Capture()
	remote(t, bob, alice, func(tx *Txn) error { return tx.Insert(p("glyphs.A.paths.0"), "X") })

	_, err := alice.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
		// Insert after captured "a", then two appends that chain on each other.
		if _, err := tx.InsertIn(f, p("glyphs.A.paths.1"), "a2"); err != nil {
			return err
		}
		for _, step := range []struct {
			i int
			v any
		}{{4, "d"}, {5, snapshot.Map{"closed": true}}} {
			if _, err := tx.InsertIn(f, p("glyphs.A.paths").Child(step.i), step.v); err != nil {
				return err
			}
		}
		// The inserted map is addressable through the frame.
		_, err := tx.SetIn(f, p("glyphs.A.paths.5.closed"), false)
		return err
	})
	require.NoError(t, err)

	got, _ := alice.SnapshotAt(p("glyphs.A.paths"))
	assert.Equal(t, snapshot.List{"X", "a", "a2", "b", "c", "d", snapshot.Map{"closed": false}}, got)
}

func TestFrame_PathErrors(t *testing.T) {
	ctx := context.Background()
	d := fontDoc(t, "alice")
	f := d.Capture()

	_, err := d.Transact(ctx, OriginScript, "script", func(tx *Txn) error {
		_, err := tx.SetIn(f, p("glyphs.Z.width"), 1)
		assert.ErrorIs(t, err, ErrPathNotFound)
		_, err = tx.DeleteIn(f, p("glyphs.A.paths.3"))
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = tx.InsertIn(f, p("glyphs.A.width"), 1)
		assert.ErrorIs(t, err, ErrNotContainer)
		_, err = tx.SetIn(f, snapshot.Path{}, 1)
		assert.ErrorIs(t, err, ErrRootImmutable)
		return nil
	})
	require.NoError(t, err)
}

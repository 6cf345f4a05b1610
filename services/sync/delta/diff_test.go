// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package delta

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

func font() snapshot.Map {
	return snapshot.Map{
		"glyphs": snapshot.Map{
			"A": snapshot.Map{
				"width": 500.0,
				"paths": snapshot.List{
					snapshot.Map{"closed": true, "nodes": snapshot.List{
						snapshot.Map{"x": 0.0, "y": 0.0, "type": "line"},
						snapshot.Map{"x": 100.0, "y": 0.0, "type": "line"},
					}},
				},
			},
			"B": snapshot.Map{"width": 600.0},
		},
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(snapshot.Map)
		want   []string
	}{
		{
			name:   "deep equal",
			mutate: func(snapshot.Map) {},
			want:   nil,
		},
		{
			name:   "changed scalar",
			mutate: func(m snapshot.Map) { glyph(m, "A")["width"] = 550.0 },
			want:   []string{"set glyphs.A.width = 550"},
		},
		{
			name: "added and removed keys sorted",
			mutate: func(m snapshot.Map) {
				delete(glyph(m, "B"), "width")
				glyph(m, "B")["name"] = "B"
				m["glyphs"].(snapshot.Map)["C"] = snapshot.Map{}
			},
			want: []string{"set glyphs.B.name = B", "delete glyphs.B.width", "set glyphs.C = map[]"},
		},
		{
			name: "list grows",
			mutate: func(m snapshot.Map) {
				p := glyph(m, "A")["paths"].(snapshot.List)[0].(snapshot.Map)
				p["nodes"] = append(p["nodes"].(snapshot.List), snapshot.Map{"x": 1.0}, snapshot.Map{"x": 2.0})
			},
			want: []string{
				"insert glyphs.A.paths.0.nodes.2 = map[x:1]",
				"insert glyphs.A.paths.0.nodes.3 = map[x:2]",
			},
		},
		{
			name: "list shrinks from the end",
			mutate: func(m snapshot.Map) {
				glyph(m, "A")["paths"] = snapshot.List{}
				glyph(m, "B")["tags"] = snapshot.List{}
			},
			want: []string{"delete glyphs.A.paths.0", "set glyphs.B.tags = []"},
		},
		{
			name:   "incompatible kinds",
			mutate: func(m snapshot.Map) { glyph(m, "A")["paths"] = "none" },
			want:   []string{"delete glyphs.A.paths", "set glyphs.A.paths = none"},
		},
		{
			name: "incompatible kinds in list",
			mutate: func(m snapshot.Map) {
				glyph(m, "A")["paths"].(snapshot.List)[0] = snapshot.List{1.0}
			},
			want: []string{"delete glyphs.A.paths.0", "insert glyphs.A.paths.0 = [1]"},
		},
		{
			name:   "scalar kind change is a set",
			mutate: func(m snapshot.Map) { glyph(m, "B")["width"] = "wide" },
			want:   []string{"set glyphs.B.width = wide"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := font()
			after := snapshot.Clone(before).(snapshot.Map)
			tt.mutate(after)

			var got []string
			for _, c := range Diff(before, after) {
				got = append(got, c.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_ListShrinkDescending(t *testing.T) {
	changes := Diff(snapshot.List{1.0, 2.0, 3.0, 4.0}, snapshot.List{1.0})
	require.Len(t, changes, 3)
	assert.Equal(t, "delete 3", changes[0].String())
	assert.Equal(t, "delete 2", changes[1].String())
	assert.Equal(t, "delete 1", changes[2].String())
}

func TestDiff_DoesNotAliasInputs(t *testing.T) {
	before := snapshot.Map{}
	after := snapshot.Map{"g": snapshot.Map{"w": 1.0}}
	changes := Diff(before, after)
	require.Len(t, changes, 1)
	after["g"].(snapshot.Map)["w"] = 2.0
	assert.Equal(t, snapshot.Map{"w": 1.0}, changes[0].Value)
}

func glyph(m snapshot.Map, name string) snapshot.Map {
	return m["glyphs"].(snapshot.Map)[name].(snapshot.Map)
}

func seeded(t *testing.T) *crdt.Document {
	t.Helper()
	d := crdt.New(crdt.Config{Actor: "alice"})
	_, err := d.Load(context.Background(), font())
	require.NoError(t, err)
	return d
}

func TestDiffAndApply(t *testing.T) {
	ctx := context.Background()

	t.Run("width 500 to 550 is one operation", func(t *testing.T) {
		d := seeded(t)
		before := d.Snapshot()
		after := snapshot.Clone(before).(snapshot.Map)
		glyph(after, "A")["width"] = 550.0

		res, err := DiffAndApply(ctx, d, before, after, crdt.OriginScript, "set width")
		require.NoError(t, err)
		require.True(t, res.Applied)
		require.Len(t, res.Commit.Ops, 1)
		assert.Equal(t, crdt.OpMapSet, res.Commit.Ops[0].Kind)
		assert.Equal(t, "width", res.Commit.Ops[0].Key)
		assert.True(t, snapshot.Equal(after, d.Snapshot()))
	})

	t.Run("no-op opens no transaction", func(t *testing.T) {
		d := seeded(t)
		var events int
		d.ObserveDeep(func(crdt.Event) { events++ })
		clock := d.Clock()

		res, err := DiffAndApply(ctx, d, d.Snapshot(), d.Snapshot(), crdt.OriginScript, "noop")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Zero(t, events)
		assert.Equal(t, clock, d.Clock())
	})

	t.Run("structural edit reaches target state", func(t *testing.T) {
		d := seeded(t)
		before := d.Snapshot()
		after := snapshot.Clone(before).(snapshot.Map)
		path := glyph(after, "A")["paths"].(snapshot.List)[0].(snapshot.Map)
		path["nodes"] = snapshot.List{snapshot.Map{"x": 5.0, "y": 5.0, "type": "curve"}}
		path["closed"] = "yes"
		delete(after["glyphs"].(snapshot.Map), "B")

		res, err := DiffAndApply(ctx, d, before, after, crdt.OriginScript, "rewrite")
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, snapshot.Equal(after, d.Snapshot()), "got %v", d.Snapshot())
	})

	t.Run("untouched subtrees keep concurrent remote edits", func(t *testing.T) {
		d := seeded(t)
		peer := crdt.New(crdt.Config{Actor: "bob"})
		require.NoError(t, peer.Merge(ctx, d.Operations(), crdt.OriginRemote))

		before := d.Snapshot()
		_, err := peer.Transact(ctx, crdt.OriginLocal, "remote", func(tx *crdt.Txn) error {
			return tx.Set(snapshot.ParsePath("glyphs.B.width"), 650)
		})
		require.NoError(t, err)
		require.NoError(t, d.Merge(ctx, peer.Operations(), crdt.OriginRemote))

		after := snapshot.Clone(before).(snapshot.Map)
		glyph(after, "A")["width"] = 550.0
		_, err = DiffAndApply(ctx, d, before, after, crdt.OriginScript, "script")
		require.NoError(t, err)

		s := d.Snapshot()
		bw, _ := snapshot.Get(s, snapshot.ParsePath("glyphs.B.width"))
		aw, _ := snapshot.Get(s, snapshot.ParsePath("glyphs.A.width"))
		assert.Equal(t, 650.0, bw)
		assert.Equal(t, 550.0, aw)
	})

	t.Run("store failure", func(t *testing.T) {
		boom := errors.New("store down")
		res, err := DiffAndApply(ctx, failingStore{boom}, snapshot.Map{}, snapshot.Map{"a": 1.0}, crdt.OriginScript, "x")
		assert.ErrorIs(t, err, boom)
		assert.False(t, res.Applied)
	})
}

type failingStore struct{ err error }

func (f failingStore) Transact(context.Context, string, string, func(*crdt.Txn) error) (crdt.Commit, error) {
	return crdt.Commit{}, f.err
}

func TestDiffAndApply_DeleteOfRemovedKeyIsSkipped(t *testing.T) {
	ctx := context.Background()
	d := seeded(t)
	before := d.Snapshot()
	_, err := d.Transact(ctx, crdt.OriginLocal, "peer", func(tx *crdt.Txn) error {
		return tx.Delete(snapshot.ParsePath("glyphs.B"))
	})
	require.NoError(t, err)

	after := snapshot.Clone(before).(snapshot.Map)
	delete(after["glyphs"].(snapshot.Map), "B")
	glyph(after, "A")["width"] = 999.0

	res, err := DiffAndApply(ctx, d, before, after, crdt.OriginScript, "script")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	aw, _ := d.SnapshotAt(snapshot.ParsePath("glyphs.A.width"))
	assert.Equal(t, 999.0, aw)
}

func TestDiffAndApplyIn(t *testing.T) {
	ctx := context.Background()

	// merge applies fn on a replica and merges it back into d.
	merge := func(t *testing.T, d *crdt.Document, fn func(tx *crdt.Txn) error) {
		t.Helper()
		peer := crdt.New(crdt.Config{Actor: "bob"})
		defer peer.Close()
		require.NoError(t, peer.Merge(ctx, d.Operations(), crdt.OriginRemote))
		commit, err := peer.Transact(ctx, crdt.OriginLocal, "peer", fn)
		require.NoError(t, err)
		require.NoError(t, d.Merge(ctx, commit.Ops, crdt.OriginRemote))
	}

	t.Run("list edit lands on the captured element", func(t *testing.T) {
		d := seeded(t)
		base := d.Capture()
		merge(t, d, func(tx *crdt.Txn) error {
			return tx.Insert(snapshot.ParsePath("glyphs.A.paths.0.nodes.0"), snapshot.Map{"x": -1.0, "y": -1.0, "type": "line"})
		})

		after := base.Snapshot()
		nodes := glyph(after, "A")["paths"].(snapshot.List)[0].(snapshot.Map)["nodes"].(snapshot.List)
		nodes[1].(snapshot.Map)["x"] = 120.0

		res, err := DiffAndApplyIn(ctx, d, base, after, crdt.OriginScript, "nudge")
		require.NoError(t, err)
		require.Len(t, res.Commit.Ops, 1)
		assert.Zero(t, res.Skipped)

		got, _ := d.SnapshotAt(snapshot.ParsePath("glyphs.A.paths.0.nodes"))
		xs := make([]any, 0, 3)
		for _, n := range got.(snapshot.List) {
			xs = append(xs, n.(snapshot.Map)["x"])
		}
		assert.Equal(t, []any{-1.0, 0.0, 120.0}, xs)
	})

	t.Run("changes to removed targets are skipped", func(t *testing.T) {
		d := seeded(t)
		base := d.Capture()
		merge(t, d, func(tx *crdt.Txn) error {
			return tx.Delete(snapshot.ParsePath("glyphs.B"))
		})

		after := base.Snapshot()
		glyph(after, "B")["width"] = 650.0
		glyph(after, "A")["width"] = 550.0

		res, err := DiffAndApplyIn(ctx, d, base, after, crdt.OriginScript, "script")
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, 1, res.Skipped)
		_, exists := d.SnapshotAt(snapshot.ParsePath("glyphs.B"))
		assert.False(t, exists)
	})

	t.Run("everything skipped commits nothing", func(t *testing.T) {
		d := seeded(t)
		base := d.Capture()
		merge(t, d, func(tx *crdt.Txn) error {
			return tx.Delete(snapshot.ParsePath("glyphs.B"))
		})

		after := base.Snapshot()
		delete(after["glyphs"].(snapshot.Map), "B")
		res, err := DiffAndApplyIn(ctx, d, base, after, crdt.OriginScript, "script")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, 1, res.Skipped)
		assert.True(t, res.Commit.Empty())
	})

	t.Run("no-op", func(t *testing.T) {
		d := seeded(t)
		base := d.Capture()
		res, err := DiffAndApplyIn(ctx, d, base, base.Snapshot(), crdt.OriginScript, "noop")
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Empty(t, res.Changes)
	})
}

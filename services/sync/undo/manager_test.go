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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/delta"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func seed(t *testing.T, actor string) *crdt.Document {
	t.Helper()
	d := crdt.New(crdt.Config{Actor: actor})
	_, err := d.Load(context.Background(), snapshot.Map{
		"glyphs": snapshot.Map{
			"A": snapshot.Map{"width": 500.0, "name": "A"},
			"B": snapshot.Map{"width": 600.0},
		},
	})
	require.NoError(t, err)
	return d
}

func set(t *testing.T, d *crdt.Document, path string, v any) {
	t.Helper()
	_, err := d.Transact(context.Background(), crdt.OriginLocal, "set "+path, func(tx *crdt.Txn) error {
		return tx.Set(snapshot.ParsePath(path), v)
	})
	require.NoError(t, err)
}

func get(d *crdt.Document, path string) any {
	v, _ := d.SnapshotAt(snapshot.ParsePath(path))
	return v
}

func TestManager_UndoRedo(t *testing.T) {
	ctx := context.Background()
	d := seed(t, "alice")
	m := New(d, Config{CaptureTimeout: -1})
	defer m.Close()

	assert.False(t, m.CanUndo(), "load is not tracked")

	set(t, d, "glyphs.A.width", 550)
	set(t, d, "glyphs.A.width", 560)
	require.Equal(t, 2, m.UndoDepth())

	item, ok := m.PeekUndo()
	require.True(t, ok)
	assert.Equal(t, "set glyphs.A.width", item.Description)

	ok, err := m.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 550.0, get(d, "glyphs.A.width"))
	assert.Equal(t, 1, m.RedoDepth())

	ok, err = m.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 500.0, get(d, "glyphs.A.width"))
	assert.False(t, m.CanUndo())

	ok, err = m.Undo(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty stack")

	ok, err = m.Redo(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 550.0, get(d, "glyphs.A.width"))
	assert.True(t, m.CanUndo())
	assert.Equal(t, 1, m.RedoDepth(), "redo must not clear the remaining redo entries")

	redo, ok := m.PeekRedo()
	require.True(t, ok)
	assert.Equal(t, "set glyphs.A.width", redo.Description)
}

func TestManager_NewEditClearsRedo(t *testing.T) {
	ctx := context.Background()
	d := seed(t, "alice")
	m := New(d, Config{CaptureTimeout: -1})
	defer m.Close()

	set(t, d, "glyphs.A.width", 550)
	_, err := m.Undo(ctx)
	require.NoError(t, err)
	require.True(t, m.CanRedo())

	set(t, d, "glyphs.B.width", 610)
	assert.False(t, m.CanRedo())
}

func TestManager_CaptureWindow(t *testing.T) {
	d := seed(t, "alice")
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := New(d, Config{Now: clock.Now})
	defer m.Close()

	set(t, d, "glyphs.A.width", 510)
	clock.Advance(100 * time.Millisecond)
	set(t, d, "glyphs.A.width", 520)
	assert.Equal(t, 1, m.UndoDepth(), "100ms apart coalesces")

	clock.Advance(600 * time.Millisecond)
	set(t, d, "glyphs.A.width", 530)
	assert.Equal(t, 2, m.UndoDepth(), "600ms apart starts a new entry")

	item, _ := m.PeekUndo()
	assert.Equal(t, 1, item.Transactions)

	m.StopCapturing()
	set(t, d, "glyphs.A.width", 540)
	assert.Equal(t, 3, m.UndoDepth(), "StopCapturing breaks coalescing")

	_, err := m.Undo(context.Background())
	require.NoError(t, err)
	_, err = m.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 520.0, get(d, "glyphs.A.width"))
	_, err = m.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, get(d, "glyphs.A.width"), "coalesced entry reverts both transactions")
}

func TestManager_Group(t *testing.T) {
	d := seed(t, "alice")
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := New(d, Config{Now: clock.Now})
	defer m.Close()

	set(t, d, "glyphs.B.width", 601)
	m.BeginGroup()
	m.BeginGroup()
	set(t, d, "glyphs.A.width", 510)
	clock.Advance(5 * time.Second)
	set(t, d, "glyphs.A.name", "Alpha")
	m.EndGroup()
	clock.Advance(5 * time.Second)
	set(t, d, "glyphs.B.width", 602)
	m.EndGroup()
	set(t, d, "glyphs.B.width", 603)

	assert.Equal(t, 3, m.UndoDepth(), "group starts fresh, spans the window and ends on the outermost EndGroup")
	_, err := m.Undo(context.Background())
	require.NoError(t, err)
	_, err = m.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500.0, get(d, "glyphs.A.width"))
	assert.Equal(t, "A", get(d, "glyphs.A.name"))
	assert.Equal(t, 601.0, get(d, "glyphs.B.width"))
}

func TestManager_IgnoresUntrackedAndRemote(t *testing.T) {
	ctx := context.Background()
	d := seed(t, "alice")
	peer := crdt.New(crdt.Config{Actor: "bob"})
	require.NoError(t, peer.Merge(ctx, d.Operations(), crdt.OriginRemote))

	m := New(d, Config{})
	defer m.Close()

	_, err := d.Transact(ctx, "ai-assistant", "untracked", func(tx *crdt.Txn) error {
		return tx.Set(snapshot.ParsePath("glyphs.A.width"), 1)
	})
	require.NoError(t, err)

	set(t, peer, "glyphs.B.width", 700)
	require.NoError(t, d.Merge(ctx, peer.Operations(), crdt.OriginRemote))

	assert.False(t, m.CanUndo())
}

func TestManager_ScopedUndoKeepsRemoteEdits(t *testing.T) {
	ctx := context.Background()
	local := seed(t, "alice")
	remote := crdt.New(crdt.Config{Actor: "bob"})
	require.NoError(t, remote.Merge(ctx, local.Operations(), crdt.OriginRemote))

	m := New(local, Config{CaptureTimeout: -1})
	defer m.Close()

	// L1
	set(t, local, "glyphs.A.width", 550)
	require.NoError(t, remote.Merge(ctx, local.Operations(), crdt.OriginRemote))

	// R1
	set(t, remote, "glyphs.B.width", 650)
	require.NoError(t, local.Merge(ctx, remote.Operations(), crdt.OriginRemote))
	afterL1R1 := local.Snapshot()

	// L2
	set(t, local, "glyphs.A.name", "Alpha")

	ok, err := m.Undo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snapshot.Equal(afterL1R1, local.Snapshot()), "got %v", local.Snapshot())

	ok, err = m.Undo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 500.0, get(local, "glyphs.A.width"))
	assert.Equal(t, 650.0, get(local, "glyphs.B.width"), "remote edit must survive")

	// The undo transactions replicate like any edit.
	require.NoError(t, remote.Merge(ctx, local.Operations(), crdt.OriginRemote))
	assert.True(t, snapshot.Equal(local.Snapshot(), remote.Snapshot()))
}

func TestManager_SupersededEntry(t *testing.T) {
	ctx := context.Background()
	local := seed(t, "alice")
	remote := crdt.New(crdt.Config{Actor: "bob"})
	require.NoError(t, remote.Merge(ctx, local.Operations(), crdt.OriginRemote))

	m := New(local, Config{CaptureTimeout: -1})
	defer m.Close()

	set(t, local, "glyphs.A.width", 550)
	require.NoError(t, remote.Merge(ctx, local.Operations(), crdt.OriginRemote))
	set(t, remote, "glyphs.A.width", 575)
	require.NoError(t, local.Merge(ctx, remote.Operations(), crdt.OriginRemote))

	ok, err := m.Undo(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, m.CanUndo(), "superseded entry is consumed")
	assert.False(t, m.CanRedo())
	assert.Equal(t, 575.0, get(local, "glyphs.A.width"))
}

func TestManager_Scope(t *testing.T) {
	ctx := context.Background()
	d := seed(t, "alice")
	glyphA := New(d, Config{Scope: snapshot.ParsePath("glyphs.A"), CaptureTimeout: -1})
	defer glyphA.Close()
	global := New(d, Config{CaptureTimeout: -1})
	defer global.Close()

	assert.Equal(t, "glyphs.A", glyphA.Scope().String())

	set(t, d, "glyphs.B.width", 610)
	set(t, d, "glyphs.A.width", 510)

	assert.Equal(t, 1, glyphA.UndoDepth())
	assert.Equal(t, 2, global.UndoDepth())

	_, err := glyphA.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500.0, get(d, "glyphs.A.width"))
	assert.Equal(t, 610.0, get(d, "glyphs.B.width"))

	assert.True(t, glyphA.CanRedo())
	assert.Equal(t, 2, global.UndoDepth(), "another manager's undo is not tracked")
}

func TestManager_ScriptedEditIsOneEntry(t *testing.T) {
	ctx := context.Background()
	d := crdt.New(crdt.Config{Actor: "alice"})
	nodes := make(snapshot.List, 500)
	for i := range nodes {
		nodes[i] = float64(i)
	}
	_, err := d.Load(ctx, snapshot.Map{"glyphs": snapshot.Map{"A": snapshot.Map{"coords": nodes}}})
	require.NoError(t, err)

	m := New(d, Config{})
	defer m.Close()

	before := d.Snapshot()
	after := snapshot.Clone(before).(snapshot.Map)
	coords := after["glyphs"].(snapshot.Map)["A"].(snapshot.Map)["coords"].(snapshot.List)
	for i := range coords {
		coords[i] = float64(i) + 1000
	}
	res, err := delta.DiffAndApply(ctx, d, before, after, crdt.OriginScript, "shift all")
	require.NoError(t, err)
	require.Len(t, res.Commit.Ops, 500)

	assert.Equal(t, 1, m.UndoDepth())
	ok, err := m.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, snapshot.Equal(before, d.Snapshot()))
}

func TestManager_ClearAndMaxDepth(t *testing.T) {
	d := seed(t, "alice")
	m := New(d, Config{CaptureTimeout: -1, MaxDepth: 3})
	defer m.Close()

	for i := 0; i < 5; i++ {
		set(t, d, "glyphs.A.width", fmt.Sprint(i))
	}
	assert.Equal(t, 3, m.UndoDepth())

	m.Clear()
	assert.False(t, m.CanUndo())
	assert.False(t, m.CanRedo())
}

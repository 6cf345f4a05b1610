// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/transport/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type peer struct {
	doc    *crdt.Document
	ep     *memory.Endpoint
	bridge *collab.Bridge
}

func join(t *testing.T, net *memory.Network, actor string) *peer {
	t.Helper()
	doc := crdt.New(crdt.Config{Actor: actor})
	ep := net.Join(actor)
	b := collab.NewBridge(doc, nil)
	require.NoError(t, b.Attach(context.Background(), ep))
	t.Cleanup(func() {
		b.Detach()
		doc.Close()
	})
	return &peer{doc: doc, ep: ep, bridge: b}
}

func (p *peer) set(t *testing.T, path string, v any) {
	t.Helper()
	_, err := p.doc.Transact(context.Background(), crdt.OriginLocal, "set "+path, func(tx *crdt.Txn) error {
		return tx.Set(snapshot.ParsePath(path), v)
	})
	require.NoError(t, err)
}

func (p *peer) get(path string) any {
	v, _ := p.doc.SnapshotAt(snapshot.ParsePath(path))
	return v
}

func converged(a, b *peer) func() bool {
	return func() bool { return snapshot.Equal(a.doc.Snapshot(), b.doc.Snapshot()) }
}

func TestBridge_ReplicatesLocalCommits(t *testing.T) {
	net := memory.NewNetwork()
	alice := join(t, net, "alice")
	bob := join(t, net, "bob")

	alice.set(t, "glyphs", snapshot.Map{"A": snapshot.Map{"width": 500.0}})
	require.Eventually(t, func() bool { return bob.get("glyphs.A.width") == 500.0 }, waitFor, tick)

	bob.set(t, "glyphs.A.width", 550)
	require.Eventually(t, func() bool { return alice.get("glyphs.A.width") == 550.0 }, waitFor, tick)

	assert.Equal(t, collab.StateConnected, alice.bridge.ConnectionState())
}

func TestBridge_ConcurrentEditsConverge(t *testing.T) {
	net := memory.NewNetwork()
	alice := join(t, net, "alice")
	bob := join(t, net, "bob")

	alice.set(t, "glyphs", snapshot.Map{"A": snapshot.Map{"width": 500.0}, "B": snapshot.Map{"width": 600.0}})
	require.Eventually(t, converged(alice, bob), waitFor, tick)

	for i := 0; i < 20; i++ {
		alice.set(t, "glyphs.A.width", float64(500+i))
		bob.set(t, "glyphs.B.width", float64(600+i))
		bob.set(t, "glyphs.A.width", float64(700+i))
	}
	require.Eventually(t, converged(alice, bob), waitFor, tick)
	assert.Equal(t, 619.0, alice.get("glyphs.B.width"))
}

func TestBridge_CatchesUpAfterPartition(t *testing.T) {
	net := memory.NewNetwork()
	alice := join(t, net, "alice")
	bob := join(t, net, "bob")

	alice.set(t, "glyphs", snapshot.Map{"A": snapshot.Map{"width": 500.0}})
	require.Eventually(t, converged(alice, bob), waitFor, tick)

	bob.ep.SetConnected(false)
	assert.Equal(t, collab.StateDisconnected, bob.bridge.ConnectionState())
	alice.set(t, "glyphs.A.width", 510)
	bob.set(t, "glyphs.C", snapshot.Map{"width": 300.0})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 500.0, bob.get("glyphs.A.width"))
	assert.Nil(t, alice.get("glyphs.C"))

	bob.ep.SetConnected(true)
	require.Eventually(t, converged(alice, bob), waitFor, tick)
	assert.Equal(t, 510.0, bob.get("glyphs.A.width"))
	assert.Equal(t, 300.0, alice.get("glyphs.C.width"))
}

func TestBridge_LateJoiner(t *testing.T) {
	net := memory.NewNetwork()
	alice := join(t, net, "alice")
	alice.set(t, "glyphs", snapshot.Map{"A": snapshot.Map{"width": 500.0, "paths": snapshot.List{"p0", "p1"}}})

	bob := join(t, net, "bob")
	require.Eventually(t, converged(alice, bob), waitFor, tick)
	assert.Equal(t, snapshot.List{"p0", "p1"}, bob.get("glyphs.A.paths"))
}

func TestBridge_AttachDetach(t *testing.T) {
	net := memory.NewNetwork()
	doc := crdt.New(crdt.Config{Actor: "alice"})
	b := collab.NewBridge(doc, nil)

	assert.ErrorIs(t, b.Resync(context.Background()), collab.ErrNotAttached)
	assert.Equal(t, collab.StateDisconnected, b.ConnectionState())

	ep := net.Join("alice")
	require.NoError(t, b.Attach(context.Background(), ep))
	assert.ErrorIs(t, b.Attach(context.Background(), ep), collab.ErrAlreadyAttached)
	require.NoError(t, b.Resync(context.Background()))

	b.Detach()
	b.Detach()
	assert.Equal(t, collab.StateDisconnected, b.ConnectionState())
	require.NoError(t, b.Attach(context.Background(), ep))
	b.Detach()
}

func TestEnvelope(t *testing.T) {
	op := crdt.Operation{
		ID:      crdt.ID{Clock: 1, Actor: "alice"},
		Kind:    crdt.OpMapSet,
		Target:  crdt.RootID,
		Key:     "width",
		Content: &crdt.Content{Kind: crdt.ContentScalar, Scalar: 500.0},
	}
	frame, err := collab.Envelope{Type: collab.MessageOps, Doc: "font", Sender: "alice", Ops: []crdt.Operation{op}}.Encode()
	require.NoError(t, err)

	env, err := collab.DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, collab.MessageOps, env.Type)
	assert.Equal(t, "font", env.Doc)
	require.Len(t, env.Ops, 1)
	assert.Equal(t, op.ID, env.Ops[0].ID)

	bad := []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"presence"}`,
		`{"type":"ops","ops":[{"id":"1@a","kind":"map.set"}]}`,
	}
	for _, b := range bad {
		_, err := collab.DecodeEnvelope([]byte(b))
		assert.ErrorIs(t, err, collab.ErrMalformedMessage, b)
	}
}

func TestAwareness(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork()
	a := collab.NewAwareness("alice", collab.AwarenessConfig{Interval: 20 * time.Millisecond})
	b := collab.NewAwareness("bob", collab.AwarenessConfig{Interval: 20 * time.Millisecond})
	detachA := a.Attach(ctx, net.Join("alice"))
	defer detachA()
	defer b.Attach(ctx, net.Join("bob"))()

	var seen atomic.Int32
	unsub := b.Observe(func(collab.Presence) { seen.Add(1) })
	defer unsub()

	require.NoError(t, a.SetLocal(ctx, map[string]any{"glyph": "A", "selection": []string{"n1"}}))
	peers := b.Peers()
	require.Contains(t, peers, "alice")
	assert.Equal(t, "A", peers["alice"].State["glyph"])
	assert.Equal(t, snapshot.List{"n1"}, peers["alice"].State["selection"])

	t.Run("updates inside the interval are coalesced", func(t *testing.T) {
		before := seen.Load()
		for _, g := range []string{"B", "C", "D"} {
			require.NoError(t, a.SetLocal(ctx, map[string]any{"glyph": g}))
		}
		require.Eventually(t, func() bool {
			return b.Peers()["alice"].State["glyph"] == "D"
		}, waitFor, tick)
		assert.Less(t, seen.Load()-before, int32(3))
	})

	t.Run("presence stays out of documents", func(t *testing.T) {
		assert.Equal(t, "D", a.Local()["glyph"])
	})

	t.Run("leave", func(t *testing.T) {
		require.NoError(t, a.Leave(ctx))
		assert.NotContains(t, b.Peers(), "alice")
	})

	assert.ErrorIs(t, a.SetLocal(ctx, map[string]any{"bad": make(chan int)}), snapshot.ErrUnsupportedType)
}

func TestAwareness_ExpiresSilentPeers(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	net := memory.NewNetwork()
	a := collab.NewAwareness("alice", collab.AwarenessConfig{})
	b := collab.NewAwareness("bob", collab.AwarenessConfig{TTL: time.Minute, Now: clock})
	defer a.Attach(ctx, net.Join("alice"))()
	defer b.Attach(ctx, net.Join("bob"))()

	require.NoError(t, a.SetLocal(ctx, map[string]any{"glyph": "A"}))
	require.Contains(t, b.Peers(), "alice")

	now = now.Add(2 * time.Minute)
	assert.Empty(t, b.Peers())
}

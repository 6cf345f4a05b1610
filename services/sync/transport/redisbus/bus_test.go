// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redisbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// Set GLYPHSYNC_TEST_REDIS to a Redis address (host:port) to run these tests.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("GLYPHSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("GLYPHSYNC_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "glyphsync:doc:font", Channel("font"))
}

func TestNew_RequiresDoc(t *testing.T) {
	_, err := New(context.Background(), redis.NewClient(&redis.Options{}), Config{})
	assert.Error(t, err)
}

func TestBus_Delivery(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	doc := "test-" + uuid.NewString()

	alice, err := New(ctx, rdb, Config{Doc: doc, Peer: "alice"})
	require.NoError(t, err)
	defer alice.Close()
	bob, err := New(ctx, rdb, Config{Doc: doc, Peer: "bob"})
	require.NoError(t, err)
	defer bob.Close()

	assert.Equal(t, collab.StateConnected, bob.ConnectionState())

	own := make(chan struct{}, 1)
	alice.OnReceive(func([]crdt.Operation) { own <- struct{}{} })
	got := make(chan []crdt.Operation, 1)
	bob.OnReceive(func(ops []crdt.Operation) { got <- ops })
	syncs := make(chan struct{}, 1)
	bob.OnSyncRequest(func() { syncs <- struct{}{} })

	op := crdt.Operation{
		ID:      crdt.ID{Clock: 1, Actor: "alice"},
		Kind:    crdt.OpMapSet,
		Target:  crdt.RootID,
		Key:     "width",
		Content: &crdt.Content{Kind: crdt.ContentScalar, Scalar: 500.0},
	}
	require.NoError(t, alice.Send(ctx, []crdt.Operation{op}))
	require.NoError(t, alice.RequestSync(ctx))

	select {
	case ops := <-got:
		require.Len(t, ops, 1)
		assert.Equal(t, op.ID, ops[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no ops received")
	}
	select {
	case <-syncs:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync request received")
	}
	select {
	case <-own:
		t.Fatal("sender received its own frame")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bob.Close())
	assert.Equal(t, collab.StateDisconnected, bob.ConnectionState())
	assert.ErrorIs(t, bob.Send(ctx, nil), ErrClosed)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// Set GLYPHSYNC_TEST_POSTGRES to a DSN to run these tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GLYPHSYNC_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("GLYPHSYNC_TEST_POSTGRES not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestAppendLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := "test-" + uuid.NewString()

	batch := func(clock uint64) []crdt.Operation {
		return []crdt.Operation{{
			ID:      crdt.ID{Clock: clock, Actor: "alice"},
			Kind:    crdt.OpMapSet,
			Target:  crdt.RootID,
			Key:     "width",
			Content: &crdt.Content{Kind: crdt.ContentScalar, Scalar: float64(clock)},
		}}
	}
	require.NoError(t, s.Append(ctx, doc, batch(1)))
	require.NoError(t, s.Append(ctx, doc, nil))
	require.NoError(t, s.Append(ctx, doc, batch(2)))

	ops, err := s.Load(ctx, doc)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(1), ops[0].ID.Clock)
	assert.Equal(t, 2.0, ops[1].Content.Scalar)

	ops, err = s.Load(ctx, doc+"-missing")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

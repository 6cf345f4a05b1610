// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)

	_, err := db.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set(ctx, []byte("k"), []byte("v")))
	got, err := db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestScanAndLastKey(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)

	for i := 3; i >= 1; i-- {
		require.NoError(t, db.Set(ctx, []byte(fmt.Sprintf("ops:a:%016d", i)), []byte{byte(i)}))
	}
	require.NoError(t, db.Set(ctx, []byte("ops:b:0000000000000009"), []byte{9}))

	var seen []byte
	err := db.Scan(ctx, []byte("ops:a:"), func(_, val []byte) error {
		seen = append(seen, val[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, seen)

	last, err := db.LastKey(ctx, []byte("ops:a:"))
	require.NoError(t, err)
	assert.Equal(t, "ops:a:0000000000000003", string(last))

	last, err = db.LastKey(ctx, []byte("ops:none:"))
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, db.DropPrefix([]byte("ops:a:")))
	last, err = db.LastKey(ctx, []byte("ops:a:"))
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestUpdate_CancelledContext(t *testing.T) {
	db := openMem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.Set(ctx, []byte("k"), []byte("v")), context.Canceled)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, []byte("k"), []byte("durable")))
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())
}

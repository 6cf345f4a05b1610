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
	"fmt"
	"io"
	"log/slog"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// FromSnapshot returns the operations that build snap into an empty
// document owned by actor.
func FromSnapshot(actor string, snap snapshot.Map) ([]Operation, error) {
	scratch := New(Config{
		Actor:  actor,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer scratch.Close()

	commit, err := scratch.Transact(context.Background(), OriginLoad, "from snapshot", func(t *Txn) error {
		return setAll(t, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("from snapshot: %w", err)
	}
	return commit.Ops, nil
}

// Load replaces the document contents with snap in one transaction tagged
// OriginLoad. Root keys missing from snap are deleted.
func (d *Document) Load(ctx context.Context, snap snapshot.Map) (Commit, error) {
	return d.Transact(ctx, OriginLoad, "load document", func(t *Txn) error {
		for _, k := range d.root.liveKeys() {
			if _, keep := snap[k]; keep {
				continue
			}
			if err := t.Delete(snapshot.Path{k}); err != nil {
				return err
			}
		}
		return setAll(t, snap)
	})
}

func setAll(t *Txn, snap snapshot.Map) error {
	for _, k := range snapshot.SortedKeys(snap) {
		if err := t.Set(snapshot.Path{k}, snap[k]); err != nil {
			return err
		}
	}
	return nil
}

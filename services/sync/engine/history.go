// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/transaction"
	"github.com/counterpunchspace/editor-sub005/services/sync/undo"
)

// Undo reverts the most recent entry of the engine's history.
//
// # Outputs
//
//   - bool: Whether anything was reverted. False when the history is
//     empty or every change of the entry was overwritten by a peer.
//   - error: transaction.ErrTransactionActive while a transaction is open.
func (e *Engine[V]) Undo(ctx context.Context) (bool, error) {
	return e.coord.Undo(ctx)
}

// Redo re-applies the most recently undone entry.
func (e *Engine[V]) Redo(ctx context.Context) (bool, error) {
	return e.coord.Redo(ctx)
}

// CanUndo reports whether the engine's history has an undo entry.
func (e *Engine[V]) CanUndo() bool {
	return e.history.CanUndo()
}

// CanRedo reports whether the engine's history has a redo entry.
func (e *Engine[V]) CanRedo() bool {
	return e.history.CanRedo()
}

// History returns the engine's undo manager for inspection.
func (e *Engine[V]) History() *undo.Manager {
	return e.history
}

// Scoped is an undo history restricted to one subtree, such as a glyph.
// It records independently of the engine's history but shares its
// transaction boundaries.
type Scoped struct {
	coord   *transaction.Coordinator
	manager *undo.Manager
	untrack func()
	release func()
	once    sync.Once
}

// ScopedUndo creates a history that only records changes under path.
//
// # Inputs
//
//   - path: Subtree to track, e.g. snapshot.Path{"glyphs", "A"}.
//
// # Outputs
//
//   - *Scoped: The history. Close it when the entity loses focus.
//   - error: ErrClosed after Close.
func (e *Engine[V]) ScopedUndo(path snapshot.Path) (*Scoped, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	m := undo.New(e.doc, undo.Config{
		Scope:          path,
		TrackedOrigins: e.cfg.TrackedOrigins,
		CaptureTimeout: undoWindow(e.cfg.CaptureTimeout),
		MaxDepth:       e.cfg.MaxUndoDepth,
		Now:            e.cfg.Now,
		Logger:         e.cfg.Logger,
	})
	s := &Scoped{coord: e.coord, manager: m, untrack: e.coord.Track(m)}
	s.release = func() {
		e.mu.Lock()
		delete(e.scoped, s)
		e.mu.Unlock()
	}
	e.scoped[s] = struct{}{}
	return s, nil
}

// Undo reverts the most recent entry of this scope.
func (s *Scoped) Undo(ctx context.Context) (bool, error) {
	return s.coord.UndoIn(ctx, s.manager)
}

// Redo re-applies the most recently undone entry of this scope.
func (s *Scoped) Redo(ctx context.Context) (bool, error) {
	return s.coord.RedoIn(ctx, s.manager)
}

// CanUndo reports whether the scope has an undo entry.
func (s *Scoped) CanUndo() bool { return s.manager.CanUndo() }

// CanRedo reports whether the scope has a redo entry.
func (s *Scoped) CanRedo() bool { return s.manager.CanRedo() }

// Path returns the tracked subtree.
func (s *Scoped) Path() snapshot.Path { return s.manager.Scope() }

// Manager returns the underlying undo manager.
func (s *Scoped) Manager() *undo.Manager { return s.manager }

// Close stops recording. Safe to call more than once.
func (s *Scoped) Close() {
	s.once.Do(func() {
		s.untrack()
		s.manager.Close()
		s.release()
	})
}

// -----------------------------------------------------------------------------
// Load / Save
// -----------------------------------------------------------------------------

// Load replaces the document with snap and clears every undo history.
//
// # Description
//
// snap must convert into the domain view; a snapshot the model rejects
// leaves the document untouched. The replacement is one transaction tagged
// crdt.OriginLoad and is replicated like any other edit.
//
// # Outputs
//
//   - error: transaction.ErrTransactionActive while a transaction is open,
//     the model's error, or the store error.
func (e *Engine[V]) Load(ctx context.Context, snap snapshot.Map) error {
	commit, err := e.coord.Load(ctx, "load document", func(ctx context.Context) (crdt.Commit, error) {
		if _, err := e.model.FromSnapshot(snapshot.CloneMap(snap)); err != nil {
			return crdt.Commit{}, err
		}
		commit, err := e.doc.Load(ctx, snap)
		if err != nil {
			return commit, err
		}
		e.mu.Lock()
		scoped := make([]*Scoped, 0, len(e.scoped))
		for s := range e.scoped {
			scoped = append(scoped, s)
		}
		e.mu.Unlock()

		e.history.Clear()
		for _, s := range scoped {
			s.manager.Clear()
		}
		return commit, nil
	})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	e.logger.Info("document loaded", slog.Int("ops", len(commit.Ops)))
	return nil
}

// LoadFile loads a JSON snapshot written by Save.
func (e *Engine[V]) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	snap, err := snapshot.DecodeMap(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return e.Load(ctx, snap)
}

// Save writes the current snapshot to path as JSON. The file is replaced
// atomically.
func (e *Engine[V]) Save(path string) error {
	data, err := snapshot.Encode(e.doc.Snapshot())
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".glyphsync-*")
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

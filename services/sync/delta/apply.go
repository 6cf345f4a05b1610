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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

var tracer = otel.Tracer("glyphsync.delta")

// Transactor is the part of the document store DiffAndApply needs.
type Transactor interface {
	Transact(ctx context.Context, origin, description string, fn func(*crdt.Txn) error) (crdt.Commit, error)
}

// Result describes a DiffAndApply call.
type Result struct {
	// Applied is false when before and after were deep-equal and no
	// transaction was opened.
	Applied bool

	// Changes are the edits computed by Diff.
	Changes []Change

	// Skipped counts changes dropped because their target was removed by
	// a concurrent edit.
	Skipped int

	// Commit is the store transaction, zero when nothing was applied.
	Commit crdt.Commit
}

// Apply performs changes through an open transaction, front to back,
// resolving paths against the live document.
//
// Deleting a slot that no longer exists is skipped, since the outcome the
// change asked for already holds. Use ApplyIn when the changes were
// computed against a captured snapshot that may have drifted.
//
// # Outputs
//
//   - int: Number of skipped changes.
//   - error: The first change that could not be applied.
func Apply(tx *crdt.Txn, changes []Change) (int, error) {
	skipped := 0
	for _, c := range changes {
		var err error
		switch c.Kind {
		case KindSet:
			err = tx.Set(c.Path, c.Value)
		case KindDelete:
			err = tx.Delete(c.Path)
			if errors.Is(err, crdt.ErrPathNotFound) || errors.Is(err, crdt.ErrIndexOutOfRange) {
				skipped++
				err = nil
			}
		case KindInsert:
			if _, ok := c.Path.Last().(int); ok {
				err = tx.Insert(c.Path, c.Value)
			} else {
				err = tx.Set(c.Path, c.Value)
			}
		default:
			err = fmt.Errorf("unknown change kind %q", c.Kind)
		}
		if err != nil {
			return skipped, fmt.Errorf("apply %s: %w", c, err)
		}
	}
	return skipped, nil
}

// ApplyIn performs changes computed against the snapshot of base.
//
// # Description
//
// Every path is resolved through base, so each change reaches the
// container, key or element it was computed for even when concurrent
// merges moved or removed things since the capture. Changes whose target
// is gone are skipped. base is updated as changes apply.
//
// # Outputs
//
//   - int: Number of skipped changes.
//   - error: The first change whose path does not exist in base.
func ApplyIn(tx *crdt.Txn, base *crdt.Frame, changes []Change) (int, error) {
	skipped := 0
	for _, c := range changes {
		var (
			done bool
			err  error
		)
		switch c.Kind {
		case KindSet:
			done, err = tx.SetIn(base, c.Path, c.Value)
		case KindDelete:
			done, err = tx.DeleteIn(base, c.Path)
		case KindInsert:
			if _, ok := c.Path.Last().(int); ok {
				done, err = tx.InsertIn(base, c.Path, c.Value)
			} else {
				done, err = tx.SetIn(base, c.Path, c.Value)
			}
		default:
			err = fmt.Errorf("unknown change kind %q", c.Kind)
		}
		if err != nil {
			return skipped, fmt.Errorf("apply %s: %w", c, err)
		}
		if !done {
			skipped++
		}
	}
	return skipped, nil
}

// DiffAndApply reconciles the document with after, given that before is
// what the caller last observed.
//
// # Description
//
// Computes Diff(before, after) and applies all changes in one transaction
// tagged with origin. Only the differences are written, so untouched
// subtrees keep their identity and concurrent remote edits to them survive.
// When the snapshots are deep-equal no transaction is opened.
//
// # Inputs
//
//   - ctx: Context for the transaction.
//   - store: Document store.
//   - before: Snapshot the edit started from.
//   - after: Desired snapshot.
//   - origin: Transaction origin.
//   - description: Transaction label.
//
// # Outputs
//
//   - Result: The computed changes and the commit.
//   - error: Non-nil if the transaction failed; nothing was applied then.
func DiffAndApply(ctx context.Context, store Transactor, before, after snapshot.Map, origin, description string) (Result, error) {
	ctx, span := tracer.Start(ctx, "delta.DiffAndApply",
		trace.WithAttributes(attribute.String("delta.description", description)),
	)
	defer span.End()

	changes := Diff(before, after)
	span.SetAttributes(attribute.Int("delta.changes", len(changes)))
	if len(changes) == 0 {
		return Result{}, nil
	}

	return transact(ctx, span, store, changes, origin, description, func(tx *crdt.Txn) (int, error) {
		return Apply(tx, changes)
	})
}

// DiffAndApplyIn reconciles the document with after, given the Frame
// captured when the edit started.
//
// # Description
//
// Like DiffAndApply, but the changes are applied with ApplyIn: remote
// operations merged since the capture survive, list edits land on the
// elements the caller saw, and changes whose target a peer removed are
// skipped. base must not be reused afterwards.
//
// # Inputs
//
//   - ctx: Context for the transaction.
//   - store: Document store base was captured from.
//   - base: Capture taken when the edit started.
//   - after: Desired snapshot.
//   - origin: Transaction origin.
//   - description: Transaction label.
//
// # Outputs
//
//   - Result: The computed changes, the skip count and the commit.
//   - error: Non-nil if the transaction failed; nothing was applied then.
func DiffAndApplyIn(ctx context.Context, store Transactor, base *crdt.Frame, after snapshot.Map, origin, description string) (Result, error) {
	ctx, span := tracer.Start(ctx, "delta.DiffAndApplyIn",
		trace.WithAttributes(attribute.String("delta.description", description)),
	)
	defer span.End()

	changes := Diff(base.Snapshot(), after)
	span.SetAttributes(attribute.Int("delta.changes", len(changes)))
	if len(changes) == 0 {
		return Result{}, nil
	}
	return transact(ctx, span, store, changes, origin, description, func(tx *crdt.Txn) (int, error) {
		return ApplyIn(tx, base, changes)
	})
}

func transact(ctx context.Context, span trace.Span, store Transactor, changes []Change, origin, description string, apply func(*crdt.Txn) (int, error)) (Result, error) {
	skipped := 0
	commit, err := store.Transact(ctx, origin, description, func(tx *crdt.Txn) error {
		var err error
		skipped, err = apply(tx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Changes: changes}, fmt.Errorf("diff and apply %q: %w", description, err)
	}
	span.SetAttributes(attribute.Int("delta.skipped", skipped))
	return Result{Applied: !commit.Empty(), Changes: changes, Skipped: skipped, Commit: commit}, nil
}

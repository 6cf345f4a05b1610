// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delta computes the minimal set of tree edits between two
// snapshots and applies them to a document in a single transaction.
//
// # Algorithm
//
// The walk is structural and positional:
//
//   - Deep-equal subtrees produce nothing.
//   - Maps are compared key by key in sorted order: removed keys become
//     deletes, added keys become sets, shared keys recurse.
//   - Lists are compared index by index up to the shorter length; extra
//     trailing elements become inserts (ascending) or deletes (descending).
//     There is no move detection.
//   - A changed scalar becomes one set.
//   - A composite replaced by a value of another kind becomes a delete
//     followed by an insert at the same path.
//
// The resulting list is ordered so that applying the changes front to back
// never invalidates a later change's path.
package delta

import (
	"fmt"
	"sort"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// ChangeKind identifies a tree edit.
type ChangeKind string

const (
	// KindSet assigns a map key or replaces a list element.
	KindSet ChangeKind = "set"

	// KindDelete removes a map key or list element.
	KindDelete ChangeKind = "delete"

	// KindInsert adds a list element at an index (or a map key).
	KindInsert ChangeKind = "insert"
)

// Change is one tree edit.
type Change struct {
	Kind  ChangeKind
	Path  snapshot.Path
	Value snapshot.Value
}

// String renders the change for logs and test failures.
func (c Change) String() string {
	if c.Kind == KindDelete {
		return fmt.Sprintf("%s %s", c.Kind, c.Path)
	}
	return fmt.Sprintf("%s %s = %v", c.Kind, c.Path, c.Value)
}

// Diff returns the edits that turn before into after. It is pure and does
// not retain either argument; values in the result are deep copies.
func Diff(before, after snapshot.Value) []Change {
	var out []Change
	diffValue(snapshot.Path{}, before, after, &out)
	return out
}

func diffValue(path snapshot.Path, before, after snapshot.Value, out *[]Change) {
	if snapshot.Equal(before, after) {
		return
	}
	bk, ak := snapshot.KindOf(before), snapshot.KindOf(after)

	switch {
	case bk == snapshot.KindMap && ak == snapshot.KindMap:
		diffMap(path, before.(snapshot.Map), after.(snapshot.Map), out)
	case bk == snapshot.KindList && ak == snapshot.KindList:
		diffList(path, before.(snapshot.List), after.(snapshot.List), out)
	case !bk.IsComposite() && !ak.IsComposite():
		*out = append(*out, Change{Kind: KindSet, Path: path, Value: after})
	case len(path) == 0:
		*out = append(*out, Change{Kind: KindSet, Path: path, Value: snapshot.Clone(after)})
	default:
		*out = append(*out,
			Change{Kind: KindDelete, Path: path},
			Change{Kind: insertKind(path), Path: path, Value: snapshot.Clone(after)},
		)
	}
}

func diffMap(path snapshot.Path, before, after snapshot.Map, out *[]Change) {
	keys := snapshot.SortedKeys(before)
	for _, k := range snapshot.SortedKeys(after) {
		if _, ok := before[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		bv, inBefore := before[k]
		av, inAfter := after[k]
		child := path.Child(k)
		switch {
		case !inAfter:
			*out = append(*out, Change{Kind: KindDelete, Path: child})
		case !inBefore:
			*out = append(*out, Change{Kind: KindSet, Path: child, Value: snapshot.Clone(av)})
		default:
			diffValue(child, bv, av, out)
		}
	}
}

func diffList(path snapshot.Path, before, after snapshot.List, out *[]Change) {
	shared := min(len(before), len(after))
	for i := 0; i < shared; i++ {
		diffValue(path.Child(i), before[i], after[i], out)
	}
	for i := shared; i < len(after); i++ {
		*out = append(*out, Change{Kind: KindInsert, Path: path.Child(i), Value: snapshot.Clone(after[i])})
	}
	for i := len(before) - 1; i >= shared; i-- {
		*out = append(*out, Change{Kind: KindDelete, Path: path.Child(i)})
	}
}

func insertKind(path snapshot.Path) ChangeKind {
	if _, ok := path.Last().(int); ok {
		return KindInsert
	}
	return KindSet
}

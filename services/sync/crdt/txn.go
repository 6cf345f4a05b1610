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
	"fmt"
	"sync/atomic"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Txn is the mutation handle passed to a Transact callback.
//
// A Txn is valid only while its callback runs; afterwards every method
// returns ErrNoTransaction. It is not safe for use from other goroutines.
type Txn struct {
	doc         *Document
	origin      string
	description string
	meta        map[string]string
	closed      atomic.Bool

	rb      rollback
	ops     []Operation
	changes []Change
}

// Origin returns the transaction's origin tag.
func (t *Txn) Origin() string {
	return t.origin
}

// Description returns the transaction's label.
func (t *Txn) Description() string {
	return t.description
}

// SetMeta annotates the transaction. Annotations are delivered with the
// event and never replicated.
func (t *Txn) SetMeta(key, val string) error {
	if t.closed.Load() {
		return ErrNoTransaction
	}
	if t.meta == nil {
		t.meta = make(map[string]string)
	}
	t.meta[key] = val
	return nil
}

// Get returns a deep copy of the value at path, including writes made
// earlier in this transaction.
func (t *Txn) Get(path snapshot.Path) (snapshot.Value, bool, error) {
	if t.closed.Load() {
		return nil, false, ErrNoTransaction
	}
	v, ok := t.doc.valueAt(path)
	return v, ok, nil
}

// Set assigns v at path. The parent of path must exist. A string final
// segment sets a map key; an int final segment replaces a list element.
// Composite values are copied into fresh containers.
func (t *Txn) Set(path snapshot.Path, v any) error {
	if t.closed.Load() {
		return ErrNoTransaction
	}
	if len(path) == 0 {
		return ErrRootImmutable
	}
	val, err := snapshot.Normalize(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	parent, err := t.doc.resolve(path.Parent())
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	switch seg := path.Last().(type) {
	case string:
		if parent.kind != nodeMap {
			return fmt.Errorf("set %s: %w", path, ErrNotContainer)
		}
		t.writeKey(parent, seg, val)
	case int:
		if parent.kind != nodeList {
			return fmt.Errorf("set %s: %w", path, ErrNotContainer)
		}
		el := parent.liveElem(seg)
		if el == nil {
			return fmt.Errorf("set %s: %w", path, ErrIndexOutOfRange)
		}
		t.writeElem(parent, el.id, val)
	default:
		return fmt.Errorf("set %s: %w", path, ErrPathNotFound)
	}
	return nil
}

// Delete removes the map key or list element at path.
func (t *Txn) Delete(path snapshot.Path) error {
	if t.closed.Load() {
		return ErrNoTransaction
	}
	if len(path) == 0 {
		return ErrRootImmutable
	}
	parent, err := t.doc.resolve(path.Parent())
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	switch seg := path.Last().(type) {
	case string:
		if parent.kind != nodeMap {
			return fmt.Errorf("delete %s: %w", path, ErrNotContainer)
		}
		if e, ok := parent.entries[seg]; !ok || e.deleted {
			return fmt.Errorf("delete %s: %w", path, ErrPathNotFound)
		}
		t.deleteKey(parent, seg)
	case int:
		if parent.kind != nodeList {
			return fmt.Errorf("delete %s: %w", path, ErrNotContainer)
		}
		el := parent.liveElem(seg)
		if el == nil {
			return fmt.Errorf("delete %s: %w", path, ErrIndexOutOfRange)
		}
		t.deleteElem(parent, el.id)
	default:
		return fmt.Errorf("delete %s: %w", path, ErrPathNotFound)
	}
	return nil
}

// Insert inserts v into the list addressed by path.Parent() so that it
// ends up at index path.Last(). The index may equal the list length.
func (t *Txn) Insert(path snapshot.Path, v any) error {
	if t.closed.Load() {
		return ErrNoTransaction
	}
	idx, ok := path.Last().(int)
	if !ok {
		return fmt.Errorf("insert %s: %w", path, ErrNotContainer)
	}
	val, err := snapshot.Normalize(v)
	if err != nil {
		return fmt.Errorf("insert %s: %w", path, err)
	}
	list, err := t.doc.resolve(path.Parent())
	if err != nil {
		return fmt.Errorf("insert %s: %w", path, err)
	}
	if list.kind != nodeList {
		return fmt.Errorf("insert %s: %w", path, ErrNotContainer)
	}
	var anchor ID
	if idx > 0 {
		prev := list.liveElem(idx - 1)
		if prev == nil {
			return fmt.Errorf("insert %s: %w", path, ErrIndexOutOfRange)
		}
		anchor = prev.id
	} else if idx < 0 {
		return fmt.Errorf("insert %s: %w", path, ErrIndexOutOfRange)
	}
	t.insertAfter(list, anchor, val)
	return nil
}

// Append adds v at the end of the list at path.
func (t *Txn) Append(path snapshot.Path, v any) error {
	if t.closed.Load() {
		return ErrNoTransaction
	}
	val, err := snapshot.Normalize(v)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	list, err := t.doc.resolve(path)
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	if list.kind != nodeList {
		return fmt.Errorf("append %s: %w", path, ErrNotContainer)
	}
	var anchor ID
	if n := len(list.elems); n > 0 {
		anchor = list.elems[n-1].id
	}
	t.insertAfter(list, anchor, val)
	return nil
}

// -----------------------------------------------------------------------------
// Operation emission
// -----------------------------------------------------------------------------

// emit stamps op with the next clock value and integrates it.
func (t *Txn) emit(op Operation) ID {
	d := t.doc
	d.clock++
	op.ID = ID{Clock: d.clock, Actor: d.actor}
	op.Origin = t.origin

	ch, changed := d.integrate(op, &t.rb)
	d.seen[op.ID] = struct{}{}
	d.log = append(d.log, op)
	t.ops = append(t.ops, op)
	if changed {
		t.changes = append(t.changes, ch)
	}
	return op.ID
}

// fill emits the children of a freshly created container.
func (t *Txn) fill(id ID, v snapshot.Value) {
	switch x := v.(type) {
	case snapshot.Map:
		n := t.doc.nodes[id]
		for _, k := range snapshot.SortedKeys(x) {
			t.writeKey(n, k, x[k])
		}
	case snapshot.List:
		n := t.doc.nodes[id]
		var anchor ID
		for _, item := range x {
			anchor = t.insertAfter(n, anchor, item)
		}
	}
}

func (t *Txn) writeKey(m *node, key string, v snapshot.Value) ID {
	id := t.emit(Operation{Kind: OpMapSet, Target: m.id, Key: key, Content: contentFor(v)})
	t.fill(id, v)
	return id
}

func (t *Txn) deleteKey(m *node, key string) ID {
	return t.emit(Operation{Kind: OpMapDelete, Target: m.id, Key: key})
}

func (t *Txn) insertAfter(list *node, anchor ID, v snapshot.Value) ID {
	id := t.emit(Operation{Kind: OpListInsert, Target: list.id, Ref: anchor, Content: contentFor(v)})
	t.fill(id, v)
	return id
}

func (t *Txn) writeElem(list *node, el ID, v snapshot.Value) ID {
	id := t.emit(Operation{Kind: OpListSet, Target: list.id, Ref: el, Content: contentFor(v)})
	t.fill(id, v)
	return id
}

func (t *Txn) deleteElem(list *node, el ID) {
	t.emit(Operation{Kind: OpListDelete, Target: list.id, Ref: el})
}

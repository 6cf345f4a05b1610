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
	"slices"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Change describes the visible effect of one integrated operation.
type Change struct {
	// Op is the operation that produced the change.
	Op Operation

	// Path is the path of the target container when the operation was
	// applied. Nil if the container was not reachable from the root.
	Path snapshot.Path

	// Detached is true when the target container was not reachable.
	Detached bool

	// Index is the visible list index affected by list operations, or -1.
	Index int

	// Prev is the state of the slot before the operation.
	Prev Prior
}

// Prior is the state a change replaced.
type Prior struct {
	// Existed is false when the slot was empty or deleted.
	Existed bool

	// Stamp is the ID of the operation that last wrote the slot.
	Stamp ID

	// Value is a deep snapshot of the replaced value.
	Value snapshot.Value
}

// LeafPath is the path of the slot the change wrote. For map operations
// this is the container path plus the key; for list operations it is the
// container path plus the index at apply time.
func (c Change) LeafPath() snapshot.Path {
	if c.Detached {
		return nil
	}
	switch c.Op.Kind {
	case OpMapSet, OpMapDelete:
		return c.Path.Child(c.Op.Key)
	default:
		if c.Index >= 0 {
			return c.Path.Child(c.Index)
		}
		return c.Path
	}
}

// rollback collects inverse mutations for a transaction in progress.
type rollback struct {
	fns []func()
}

func (r *rollback) add(fn func()) {
	if r != nil {
		r.fns = append(r.fns, fn)
	}
}

func (r *rollback) run() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}

// ready reports whether every dependency of op has been integrated.
func (d *Document) ready(op Operation) bool {
	target, ref, needsRef := op.dependencies()
	t, ok := d.nodes[target]
	if !ok {
		return false
	}
	if needsRef && t.kind == nodeList {
		return t.elemIndex(ref) >= 0
	}
	return true
}

// integrate applies op to the tree. It reports the visible change and
// whether there was one. Ops whose kind does not match the target container
// are absorbed without effect so every replica treats them identically.
//
// Caller must hold d.mu and must have checked d.ready(op).
func (d *Document) integrate(op Operation, rb *rollback) (Change, bool) {
	target := d.nodes[op.Target]
	ch := Change{Op: op, Index: -1}

	switch op.Kind {
	case OpMapSet:
		if target.kind != nodeMap {
			return ch, false
		}
		val := d.materialize(op, target, op.Key, ID{}, rb)
		e := target.entries[op.Key]
		if e != nil && !e.stamp.Less(op.ID) {
			return ch, false
		}
		if e != nil {
			ch.Prev.Stamp = e.stamp
			if !e.deleted {
				ch.Prev.Existed = true
				ch.Prev.Value = e.val.snapshot()
			}
			old := *e
			rb.add(func() { *e = old })
		} else {
			e = &entry{}
			target.entries[op.Key] = e
			key := op.Key
			rb.add(func() { delete(target.entries, key) })
		}
		e.stamp = op.ID
		e.deleted = false
		e.val = val

	case OpMapDelete:
		if target.kind != nodeMap {
			return ch, false
		}
		e := target.entries[op.Key]
		if e != nil && !e.stamp.Less(op.ID) {
			return ch, false
		}
		if e == nil {
			// Tombstone so an older concurrent set cannot win.
			e = &entry{deleted: true}
			target.entries[op.Key] = e
			key := op.Key
			rb.add(func() { delete(target.entries, key) })
			e.stamp = op.ID
			return ch, false
		}
		old := *e
		rb.add(func() { *e = old })
		wasLive := !e.deleted
		if wasLive {
			ch.Prev = Prior{Existed: true, Stamp: e.stamp, Value: e.val.snapshot()}
		}
		e.stamp = op.ID
		e.deleted = true
		e.val = value{}
		if !wasLive {
			return ch, false
		}

	case OpListInsert:
		if target.kind != nodeList || target.elemIndex(op.ID) >= 0 {
			return ch, false
		}
		val := d.materialize(op, target, "", op.ID, rb)
		pos := target.integratePosition(op.ID, op.Ref)
		el := &elem{id: op.ID, anchor: op.Ref, stamp: op.ID, val: val}
		target.elems = slices.Insert(target.elems, pos, el)
		rb.add(func() {
			if i := target.elemIndex(el.id); i >= 0 {
				target.elems = slices.Delete(target.elems, i, i+1)
			}
		})
		ch.Index = target.liveIndex(op.ID)

	case OpListDelete:
		if target.kind != nodeList {
			return ch, false
		}
		el := target.elems[target.elemIndex(op.Ref)]
		if el.deleted {
			return ch, false
		}
		ch.Index = target.liveIndex(op.Ref)
		ch.Prev = Prior{Existed: true, Stamp: el.stamp, Value: el.val.snapshot()}
		el.deleted = true
		rb.add(func() { el.deleted = false })

	case OpListSet:
		if target.kind != nodeList {
			return ch, false
		}
		el := target.elems[target.elemIndex(op.Ref)]
		val := d.materialize(op, target, "", op.Ref, rb)
		if !el.stamp.Less(op.ID) {
			return ch, false
		}
		old := *el
		rb.add(func() { *el = old })
		visible := !el.deleted
		if visible {
			ch.Index = target.liveIndex(op.Ref)
			ch.Prev = Prior{Existed: true, Stamp: el.stamp, Value: el.val.snapshot()}
		}
		el.stamp = op.ID
		el.val = val
		if !visible {
			return ch, false
		}

	default:
		return ch, false
	}

	path, ok := pathOf(target)
	ch.Path = path
	ch.Detached = !ok
	return ch, true
}

// materialize turns op's content into a register value, creating the
// container node when the content is a map or list. The node is created even
// when the op loses its register so later ops addressed to it still resolve.
func (d *Document) materialize(op Operation, parent *node, key string, elemID ID, rb *rollback) value {
	if op.Content == nil {
		return value{}
	}
	if !op.Content.IsContainer() {
		return value{scalar: op.Content.Scalar}
	}
	if existing, ok := d.nodes[op.ID]; ok {
		return value{child: existing}
	}
	child := newNode(op.ID, nodeKindFor(op.Content.Kind))
	child.parent = parent
	child.parentKey = key
	child.parentElem = elemID
	d.nodes[op.ID] = child
	rb.add(func() { delete(d.nodes, op.ID) })
	return value{child: child}
}

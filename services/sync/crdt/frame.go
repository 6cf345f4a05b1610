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

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Frame pins the identity of every container and list element of a
// snapshot, taken together under one lock.
//
// # Description
//
// A path like glyphs.A.layers.0 means different things before and after
// a concurrent merge: keys may vanish and list indices shift. The Txn
// methods SetIn, DeleteIn and InsertIn resolve paths through a Frame
// instead of the live tree, so an edit computed against the captured
// snapshot lands on the same container or element it was computed for.
//
// Those methods also keep the Frame in step with their own edits, so a
// sequence of changes computed by diffing the captured snapshot can be
// applied front to back.
//
// # Thread Safety
//
// A Frame is not safe for concurrent use. It is read and updated only
// inside a transaction.
type Frame struct {
	snap snapshot.Map
	root *frameNode
}

type frameNode struct {
	id    ID
	kind  nodeKind
	keys  map[string]*frameNode // container children of a map
	elems []frameElem           // live elements of a list, in order
}

type frameElem struct {
	id    ID
	child *frameNode
}

// Capture returns the current snapshot together with its Frame.
func (d *Document) Capture() *Frame {
	d.mu.Lock()
	defer d.unlock()
	return &Frame{
		snap: d.root.snapshot().(snapshot.Map),
		root: frameOf(d.root),
	}
}

// Snapshot returns a deep copy of the captured snapshot.
func (f *Frame) Snapshot() snapshot.Map {
	return snapshot.CloneMap(f.snap)
}

func frameOf(n *node) *frameNode {
	fn := &frameNode{id: n.id, kind: n.kind}
	switch n.kind {
	case nodeMap:
		fn.keys = make(map[string]*frameNode)
		for k, e := range n.entries {
			if !e.deleted && e.val.child != nil {
				fn.keys[k] = frameOf(e.val.child)
			}
		}
	case nodeList:
		for _, e := range n.elems {
			if e.deleted {
				continue
			}
			fe := frameElem{id: e.id}
			if e.val.child != nil {
				fe.child = frameOf(e.val.child)
			}
			fn.elems = append(fn.elems, fe)
		}
	}
	return fn
}

// container walks path through the frame to a container.
func (f *Frame) container(path snapshot.Path) (*frameNode, error) {
	cur := f.root
	for i, seg := range path {
		var next *frameNode
		switch s := seg.(type) {
		case string:
			if cur.kind == nodeMap {
				next = cur.keys[s]
			}
		case int:
			if cur.kind == nodeList && s >= 0 && s < len(cur.elems) {
				next = cur.elems[s].child
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path[:i+1])
		}
		cur = next
	}
	return cur, nil
}

// live returns the document node for fn, or nil when it is no longer
// reachable from the root.
func (t *Txn) live(fn *frameNode) *node {
	n, ok := t.doc.nodes[fn.id]
	if !ok {
		return nil
	}
	if _, attached := pathOf(n); !attached {
		return nil
	}
	return n
}

// frameChild returns the frame of a container just written with id, or nil
// for scalars.
func (t *Txn) frameChild(id ID, v snapshot.Value) *frameNode {
	if !snapshot.KindOf(v).IsComposite() {
		return nil
	}
	if n, ok := t.doc.nodes[id]; ok {
		return frameOf(n)
	}
	return nil
}

// SetIn assigns v at path, where path is interpreted against f.
//
// # Description
//
// A string final segment writes that key of the container f had at the
// parent path. An int final segment overwrites the element f had at that
// index. The write is skipped when its container is no longer reachable
// or the element was deleted meanwhile.
//
// # Outputs
//
//   - bool: False if the write was skipped.
//   - error: ErrNoTransaction if the Txn is closed; ErrPathNotFound if
//     path does not exist in f.
func (t *Txn) SetIn(f *Frame, path snapshot.Path, v any) (bool, error) {
	if t.closed.Load() {
		return false, ErrNoTransaction
	}
	if len(path) == 0 {
		return false, ErrRootImmutable
	}
	val, err := snapshot.Normalize(v)
	if err != nil {
		return false, fmt.Errorf("set %s: %w", path, err)
	}
	parent, err := f.container(path.Parent())
	if err != nil {
		return false, fmt.Errorf("set %s: %w", path, err)
	}
	n := t.live(parent)

	switch seg := path.Last().(type) {
	case string:
		if parent.kind != nodeMap {
			return false, fmt.Errorf("set %s: %w", path, ErrNotContainer)
		}
		if n == nil {
			return false, nil
		}
		id := t.writeKey(n, seg, val)
		if child := t.frameChild(id, val); child != nil {
			parent.keys[seg] = child
		} else {
			delete(parent.keys, seg)
		}
		return true, nil

	case int:
		if parent.kind != nodeList || seg < 0 || seg >= len(parent.elems) {
			return false, fmt.Errorf("set %s: %w", path, ErrIndexOutOfRange)
		}
		fe := &parent.elems[seg]
		if n == nil {
			return false, nil
		}
		i := n.elemIndex(fe.id)
		if i < 0 || n.elems[i].deleted {
			return false, nil
		}
		id := t.writeElem(n, fe.id, val)
		fe.child = t.frameChild(id, val)
		return true, nil
	}
	return false, fmt.Errorf("set %s: %w", path, ErrPathNotFound)
}

// DeleteIn removes the key or element f has at path. Deleting a slot that
// is already gone is skipped, not an error.
func (t *Txn) DeleteIn(f *Frame, path snapshot.Path) (bool, error) {
	if t.closed.Load() {
		return false, ErrNoTransaction
	}
	if len(path) == 0 {
		return false, ErrRootImmutable
	}
	parent, err := f.container(path.Parent())
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	n := t.live(parent)

	switch seg := path.Last().(type) {
	case string:
		if parent.kind != nodeMap {
			return false, fmt.Errorf("delete %s: %w", path, ErrNotContainer)
		}
		delete(parent.keys, seg)
		if n == nil {
			return false, nil
		}
		if e, ok := n.entries[seg]; !ok || e.deleted {
			return false, nil
		}
		t.deleteKey(n, seg)
		return true, nil

	case int:
		if parent.kind != nodeList || seg < 0 || seg >= len(parent.elems) {
			return false, fmt.Errorf("delete %s: %w", path, ErrIndexOutOfRange)
		}
		id := parent.elems[seg].id
		parent.elems = append(parent.elems[:seg], parent.elems[seg+1:]...)
		if n == nil {
			return false, nil
		}
		i := n.elemIndex(id)
		if i < 0 || n.elems[i].deleted {
			return false, nil
		}
		t.deleteElem(n, id)
		return true, nil
	}
	return false, fmt.Errorf("delete %s: %w", path, ErrPathNotFound)
}

// InsertIn inserts v into the list f has at path.Parent() so that it
// follows the element f has at index path.Last()-1. Elements inserted
// concurrently by others keep their place.
func (t *Txn) InsertIn(f *Frame, path snapshot.Path, v any) (bool, error) {
	if t.closed.Load() {
		return false, ErrNoTransaction
	}
	idx, ok := path.Last().(int)
	if !ok {
		return false, fmt.Errorf("insert %s: %w", path, ErrNotContainer)
	}
	val, err := snapshot.Normalize(v)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", path, err)
	}
	parent, err := f.container(path.Parent())
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", path, err)
	}
	if parent.kind != nodeList {
		return false, fmt.Errorf("insert %s: %w", path, ErrNotContainer)
	}
	if idx < 0 || idx > len(parent.elems) {
		return false, fmt.Errorf("insert %s: %w", path, ErrIndexOutOfRange)
	}
	n := t.live(parent)
	if n == nil {
		return false, nil
	}
	var anchor ID
	if idx > 0 {
		anchor = parent.elems[idx-1].id
	}
	id := t.insertAfter(n, anchor, val)
	parent.elems = append(parent.elems, frameElem{})
	copy(parent.elems[idx+1:], parent.elems[idx:])
	parent.elems[idx] = frameElem{id: id, child: t.frameChild(id, val)}
	return true, nil
}

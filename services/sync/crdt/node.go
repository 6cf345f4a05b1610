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
	"sort"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

type nodeKind uint8

const (
	nodeMap nodeKind = iota + 1
	nodeList
)

// value is the payload of a register: either a scalar or a child container.
type value struct {
	scalar any
	child  *node
}

// entry is a map key's last-writer-wins register.
type entry struct {
	stamp   ID
	deleted bool
	val     value
}

// elem is one list element.
type elem struct {
	id      ID // the inserting operation
	anchor  ID // element it was inserted after, zero for head
	deleted bool
	stamp   ID // last list.set (or the insert) that wrote val
	val     value
}

// node is a container in the document tree.
//
// parent/parentKey/parentElem record where the container was attached when
// created. Whether it is still attached is decided by checking that the
// parent slot still holds it (see pathOf).
type node struct {
	id         ID
	kind       nodeKind
	parent     *node
	parentKey  string
	parentElem ID

	entries map[string]*entry
	elems   []*elem
}

func newNode(id ID, kind nodeKind) *node {
	n := &node{id: id, kind: kind}
	if kind == nodeMap {
		n.entries = make(map[string]*entry)
	}
	return n
}

func nodeKindFor(c ContentKind) nodeKind {
	if c == ContentList {
		return nodeList
	}
	return nodeMap
}

// elemIndex returns the raw slice index of the element with the given ID.
func (n *node) elemIndex(id ID) int {
	for i, e := range n.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// liveElem returns the i-th non-deleted element.
func (n *node) liveElem(i int) *elem {
	if i < 0 {
		return nil
	}
	for _, e := range n.elems {
		if e.deleted {
			continue
		}
		if i == 0 {
			return e
		}
		i--
	}
	return nil
}

// liveIndex returns the visible index of element id, or -1 if it is deleted
// or unknown.
func (n *node) liveIndex(id ID) int {
	idx := 0
	for _, e := range n.elems {
		if e.id == id {
			if e.deleted {
				return -1
			}
			return idx
		}
		if !e.deleted {
			idx++
		}
	}
	return -1
}

func (n *node) liveLen() int {
	count := 0
	for _, e := range n.elems {
		if !e.deleted {
			count++
		}
	}
	return count
}

// integratePosition returns the raw index at which a new element with the
// given ID and anchor must be inserted.
func (n *node) integratePosition(id, anchor ID) int {
	pos := 0
	if !anchor.IsZero() {
		pos = n.elemIndex(anchor) + 1
	}
	for pos < len(n.elems) && id.Less(n.elems[pos].id) {
		pos++
	}
	return pos
}

// pathOf returns the current path of n. ok is false if n (or an ancestor)
// is no longer reachable from the root.
func pathOf(n *node) (snapshot.Path, bool) {
	var rev []any
	for cur := n; cur.parent != nil; cur = cur.parent {
		p := cur.parent
		switch p.kind {
		case nodeMap:
			e, ok := p.entries[cur.parentKey]
			if !ok || e.deleted || e.val.child != cur {
				return nil, false
			}
			rev = append(rev, cur.parentKey)
		case nodeList:
			idx := p.liveIndex(cur.parentElem)
			if idx < 0 || p.elems[p.elemIndex(cur.parentElem)].val.child != cur {
				return nil, false
			}
			rev = append(rev, idx)
		}
	}
	if !n.id.IsZero() && n.parent == nil {
		return nil, false
	}
	path := make(snapshot.Path, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, true
}

// snapshot materializes the subtree rooted at n.
func (n *node) snapshot() snapshot.Value {
	switch n.kind {
	case nodeList:
		out := make(snapshot.List, 0, len(n.elems))
		for _, e := range n.elems {
			if !e.deleted {
				out = append(out, e.val.snapshot())
			}
		}
		return out
	default:
		out := make(snapshot.Map, len(n.entries))
		for k, e := range n.entries {
			if !e.deleted {
				out[k] = e.val.snapshot()
			}
		}
		return out
	}
}

func (v value) snapshot() snapshot.Value {
	if v.child != nil {
		return v.child.snapshot()
	}
	return v.scalar
}

// liveKeys returns the non-deleted keys of a map node in sorted order.
func (n *node) liveKeys() []string {
	keys := make([]string, 0, len(n.entries))
	for k, e := range n.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

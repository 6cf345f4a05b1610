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

// RevertResult reports what Revert did.
type RevertResult struct {
	// Reverted is the number of changes that were undone.
	Reverted int

	// Restored maps each operation Revert emitted to write back a prior
	// value onto the stamp of the operation that originally wrote it.
	// Passing these entries as aliases to later Revert calls lets an entry
	// recognise a slot restored by another revert as still holding its value.
	Restored map[ID]ID
}

// maxAliasHops bounds alias chain traversal.
const maxAliasHops = 64

// Revert emits operations that undo changes, newest first.
//
// # Description
//
// A change is reverted only when the slot it wrote still holds what it
// wrote: a later write by anyone else wins and the change is skipped. A
// slot counts as unchanged when its stamp is one of the changes' own
// operations, an operation emitted earlier in the same Revert, or resolves
// to one of those through aliases.
//
// Changes inside containers created by changes in the same batch are
// skipped, since reverting the creation removes them. Changes whose
// container is no longer reachable are skipped.
//
// Inserted list elements are deleted when they are still live and still
// carry the inserted value; deleted elements are restored as new elements
// anchored right after the deleted one.
//
// # Inputs
//
//   - changes: Changes as reported by Commit or Event, in application order.
//   - aliases: Restored maps from earlier reverts. May be nil. Read only.
//
// # Outputs
//
//   - RevertResult: Count of reverted changes and the restore aliases.
//   - error: ErrNoTransaction if the Txn is closed.
func (t *Txn) Revert(changes []Change, aliases map[ID]ID) (RevertResult, error) {
	if t.closed.Load() {
		return RevertResult{}, ErrNoTransaction
	}
	r := reverter{
		txn:      t,
		aliases:  aliases,
		created:  make(map[ID]bool),
		own:      make(map[ID]bool, len(changes)),
		restored: make(map[ID]ID),
	}
	for _, ch := range changes {
		r.own[ch.Op.ID] = true
		if ch.Op.Content != nil && ch.Op.Content.IsContainer() {
			r.created[ch.Op.ID] = true
		}
	}

	res := RevertResult{Restored: r.restored}
	mark := len(t.ops)
	for i := len(changes) - 1; i >= 0; i-- {
		if r.revert(changes[i]) {
			res.Reverted++
		}
		// A slot rewritten by an earlier step of this revert still counts
		// as holding this batch's value.
		for _, op := range t.ops[mark:] {
			r.own[op.ID] = true
		}
		mark = len(t.ops)
	}
	return res, nil
}

type reverter struct {
	txn      *Txn
	aliases  map[ID]ID
	created  map[ID]bool
	own      map[ID]bool
	restored map[ID]ID
}

// owns reports whether stamp belongs to the batch being reverted.
func (r *reverter) owns(stamp ID) bool {
	for hop := 0; hop < maxAliasHops; hop++ {
		if r.own[stamp] {
			return true
		}
		next, ok := r.restored[stamp]
		if !ok {
			next, ok = r.aliases[stamp]
		}
		if !ok {
			return false
		}
		stamp = next
	}
	return false
}

func (r *reverter) revert(ch Change) bool {
	t := r.txn
	op := ch.Op
	if r.created[op.Target] {
		return false
	}
	target, ok := t.doc.nodes[op.Target]
	if !ok {
		return false
	}
	if _, attached := pathOf(target); !attached {
		return false
	}

	switch op.Kind {
	case OpMapSet:
		e := target.entries[op.Key]
		if e == nil || e.deleted || !r.owns(e.stamp) {
			return false
		}
		if ch.Prev.Existed {
			r.restored[t.writeKey(target, op.Key, ch.Prev.Value)] = ch.Prev.Stamp
		} else {
			id := t.deleteKey(target, op.Key)
			if !ch.Prev.Stamp.IsZero() {
				r.restored[id] = ch.Prev.Stamp
			}
		}
		return true

	case OpMapDelete:
		e := target.entries[op.Key]
		if e == nil || !e.deleted || !r.owns(e.stamp) || !ch.Prev.Existed {
			return false
		}
		r.restored[t.writeKey(target, op.Key, ch.Prev.Value)] = ch.Prev.Stamp
		return true

	case OpListInsert:
		i := target.elemIndex(op.ID)
		if i < 0 {
			return false
		}
		el := target.elems[i]
		if el.deleted || !r.owns(el.stamp) {
			return false
		}
		t.deleteElem(target, el.id)
		return true

	case OpListDelete:
		if !ch.Prev.Existed || target.elemIndex(op.Ref) < 0 {
			return false
		}
		t.insertAfter(target, op.Ref, ch.Prev.Value)
		return true

	case OpListSet:
		i := target.elemIndex(op.Ref)
		if i < 0 {
			return false
		}
		el := target.elems[i]
		if el.deleted || !r.owns(el.stamp) || !ch.Prev.Existed {
			return false
		}
		r.restored[t.writeElem(target, el.id, ch.Prev.Value)] = ch.Prev.Stamp
		return true
	}
	return false
}

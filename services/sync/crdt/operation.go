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
	"encoding/json"
	"fmt"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Well-known transaction origins.
const (
	// OriginLocal tags ordinary local edits.
	OriginLocal = "local"

	// OriginRemote tags batches merged from peers.
	OriginRemote = "remote"

	// OriginUndo tags transactions produced by undo and redo.
	OriginUndo = "undo"

	// OriginLoad tags the transaction that replaces the document on load.
	OriginLoad = "load"

	// OriginScript tags transactions produced by the scripted diff path.
	OriginScript = "script"
)

// OpKind identifies an operation type.
type OpKind string

const (
	OpMapSet     OpKind = "map.set"
	OpMapDelete  OpKind = "map.delete"
	OpListInsert OpKind = "list.insert"
	OpListDelete OpKind = "list.delete"
	OpListSet    OpKind = "list.set"
)

// ContentKind tells whether an assigned value is a scalar or a new container.
type ContentKind string

const (
	ContentScalar ContentKind = "scalar"
	ContentMap    ContentKind = "map"
	ContentList   ContentKind = "list"
)

// Content is the value carried by set and insert operations.
//
// A container content creates an empty container whose node ID is the ID of
// the operation that carries it; its children follow as separate operations.
type Content struct {
	Kind   ContentKind `json:"kind"`
	Scalar any         `json:"scalar,omitempty"`
}

// IsContainer reports whether the content creates a container.
func (c Content) IsContainer() bool {
	return c.Kind == ContentMap || c.Kind == ContentList
}

// Operation is one replicated mutation.
//
// Field use per kind:
//
//	map.set      Target, Key, Content
//	map.delete   Target, Key
//	list.insert  Target, Ref (anchor element, zero for head), Content
//	list.delete  Target, Ref (element)
//	list.set     Target, Ref (element), Content
type Operation struct {
	ID      ID       `json:"id"`
	Kind    OpKind   `json:"kind"`
	Target  ID       `json:"target"`
	Key     string   `json:"key,omitempty"`
	Ref     ID       `json:"ref"`
	Content *Content `json:"content,omitempty"`
	Origin  string   `json:"origin,omitempty"`
}

// Validate checks structural well-formedness. It does not check causal
// dependencies, which Merge resolves by buffering.
func (op Operation) Validate() error {
	if op.ID.Clock == 0 || op.ID.Actor == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	switch op.Kind {
	case OpMapSet:
		if op.Content == nil {
			return fmt.Errorf("%w: %s %s without content", ErrInvalidOperation, op.Kind, op.ID)
		}
	case OpMapDelete:
	case OpListInsert, OpListSet:
		if op.Content == nil {
			return fmt.Errorf("%w: %s %s without content", ErrInvalidOperation, op.Kind, op.ID)
		}
		if op.Kind == OpListSet && op.Ref.IsZero() {
			return fmt.Errorf("%w: %s %s without element", ErrInvalidOperation, op.Kind, op.ID)
		}
	case OpListDelete:
		if op.Ref.IsZero() {
			return fmt.Errorf("%w: %s %s without element", ErrInvalidOperation, op.Kind, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Content != nil {
		switch op.Content.Kind {
		case ContentMap, ContentList:
		case ContentScalar:
			if k := snapshot.KindOf(op.Content.Scalar); k.IsComposite() || k == snapshot.KindInvalid {
				return fmt.Errorf("%w: %s %s scalar has kind %s", ErrInvalidOperation, op.Kind, op.ID, k)
			}
		default:
			return fmt.Errorf("%w: %s %s unknown content kind %q", ErrInvalidOperation, op.Kind, op.ID, op.Content.Kind)
		}
	}
	return nil
}

// dependencies returns the IDs that must be integrated before op.
func (op Operation) dependencies() (target ID, ref ID, needsRef bool) {
	switch op.Kind {
	case OpListInsert:
		return op.Target, op.Ref, !op.Ref.IsZero()
	case OpListDelete, OpListSet:
		return op.Target, op.Ref, true
	default:
		return op.Target, ID{}, false
	}
}

// EncodeOperations serializes a batch as JSON.
func EncodeOperations(ops []Operation) ([]byte, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}
	return data, nil
}

// DecodeOperations parses a JSON batch and validates every operation.
// Scalar numbers are normalized to float64.
func DecodeOperations(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	for i := range ops {
		if ops[i].Content != nil && ops[i].Content.Kind == ContentScalar {
			v, err := snapshot.Normalize(ops[i].Content.Scalar)
			if err != nil {
				return nil, fmt.Errorf("decode operations: op %d: %w", i, err)
			}
			ops[i].Content.Scalar = v
		}
		if err := ops[i].Validate(); err != nil {
			return nil, fmt.Errorf("decode operations: op %d: %w", i, err)
		}
	}
	return ops, nil
}

func scalarContent(v any) *Content {
	return &Content{Kind: ContentScalar, Scalar: v}
}

func contentFor(v snapshot.Value) *Content {
	switch snapshot.KindOf(v) {
	case snapshot.KindMap:
		return &Content{Kind: ContentMap}
	case snapshot.KindList:
		return &Content{Kind: ContentList}
	default:
		return scalarContent(v)
	}
}

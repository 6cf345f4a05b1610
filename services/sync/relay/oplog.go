// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"sync"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// OpLog stores the operations the relay has seen, per document.
//
// Implementations are persist/pgstore.Store for a shared database and
// MemoryLog for a single relay.
type OpLog interface {
	Append(ctx context.Context, doc string, ops []crdt.Operation) error
	Load(ctx context.Context, doc string) ([]crdt.Operation, error)
}

// SharedLog is implemented by logs that several relays write to. Frames
// that arrive from other relays are not appended to a shared log, since
// the relay that received them from a peer already did.
type SharedLog interface {
	Shared() bool
}

func isShared(l OpLog) bool {
	s, ok := l.(SharedLog)
	return ok && s.Shared()
}

// MemoryLog is an in-process OpLog. Its contents are lost on restart.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryLog struct {
	mu   sync.RWMutex
	docs map[string][]crdt.Operation
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string][]crdt.Operation)}
}

// Append adds ops to the log of doc.
func (m *MemoryLog) Append(ctx context.Context, doc string, ops []crdt.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc] = append(m.docs[doc], ops...)
	return nil
}

// Load returns a copy of the log of doc in append order.
func (m *MemoryLog) Load(ctx context.Context, doc string) ([]crdt.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]crdt.Operation(nil), m.docs[doc]...), nil
}

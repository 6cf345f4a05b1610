// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"sync"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// Dispatcher keeps the handler sets of a transport and fans decoded
// envelopes out to them. The zero value is ready to use; transports embed
// it to get OnReceive, OnPresence, OnSyncRequest and OnStateChange.
//
// Handlers run on the dispatching goroutine, outside the dispatcher's lock.
type Dispatcher struct {
	mu       sync.Mutex
	next     int
	recv     map[int]func([]crdt.Operation)
	presence map[int]func(Presence)
	syncs    map[int]func()
	watchers map[int]func(ConnectionState)
}

// OnReceive registers fn for operation batches.
func (d *Dispatcher) OnReceive(fn func([]crdt.Operation)) func() {
	return register(d, &d.recv, fn)
}

// OnPresence registers fn for presence updates.
func (d *Dispatcher) OnPresence(fn func(Presence)) func() {
	return register(d, &d.presence, fn)
}

// OnSyncRequest registers fn for peers asking for a resync.
func (d *Dispatcher) OnSyncRequest(fn func()) func() {
	return register(d, &d.syncs, fn)
}

// OnStateChange registers fn for connection state changes.
func (d *Dispatcher) OnStateChange(fn func(ConnectionState)) func() {
	return register(d, &d.watchers, fn)
}

// Dispatch hands env to the handlers registered for its type.
func (d *Dispatcher) Dispatch(env Envelope) {
	switch env.Type {
	case MessageOps:
		if len(env.Ops) == 0 {
			return
		}
		for _, fn := range snapshotHandlers(d, &d.recv) {
			fn(env.Ops)
		}
	case MessagePresence:
		if env.Presence == nil {
			return
		}
		for _, fn := range snapshotHandlers(d, &d.presence) {
			fn(*env.Presence)
		}
	case MessageSync:
		for _, fn := range snapshotHandlers(d, &d.syncs) {
			fn()
		}
	}
}

// DispatchFrame decodes frame and dispatches it. Malformed frames are
// returned as errors and reach no handler.
func (d *Dispatcher) DispatchFrame(frame []byte) (Envelope, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return Envelope{}, err
	}
	d.Dispatch(env)
	return env, nil
}

// NotifyState tells state watchers about s.
func (d *Dispatcher) NotifyState(s ConnectionState) {
	for _, fn := range snapshotHandlers(d, &d.watchers) {
		fn(s)
	}
}

func register[T any](d *Dispatcher, set *map[int]T, fn T) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *set == nil {
		*set = make(map[int]T)
	}
	d.next++
	id := d.next
	(*set)[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(*set, id)
			d.mu.Unlock()
		})
	}
}

func snapshotHandlers[T any](d *Dispatcher, set *map[int]T) []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]T, 0, len(*set))
	for _, fn := range *set {
		out = append(out, fn)
	}
	return out
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab connects a document to its peers.
//
// A Bridge forwards every local commit to a Transport and merges whatever
// the transport receives. Awareness carries ephemeral per-peer presence
// that never enters the document, its history or its persistence.
//
//	local Transact ──► ObserveDeep ──► send queue ──► Transport.Send
//	Transport.OnReceive ──► Document.Merge(origin=remote)
package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

var (
	// ErrAlreadyAttached is returned by Attach when a transport is attached.
	ErrAlreadyAttached = errors.New("bridge already attached")

	// ErrNotAttached is returned by Resync without a transport.
	ErrNotAttached = errors.New("bridge not attached")
)

// maxBatch bounds the operations per Send when replaying the log.
const maxBatch = 512

// Document is the part of the document store the bridge needs.
type Document interface {
	Merge(ctx context.Context, ops []crdt.Operation, origin string) error
	ObserveDeep(fn func(crdt.Event)) func()
	Operations() []crdt.Operation
	Actor() string
}

// Bridge replicates one document over one transport at a time.
//
// # Thread Safety
//
// Safe for concurrent use. Outgoing batches are sent from one goroutine in
// commit order.
type Bridge struct {
	doc    Document
	logger *slog.Logger

	mu        sync.Mutex
	transport Transport
	queue     []batch
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	detach    []func()
}

// batch is one queued send: a commit's operations, the whole log, or a
// request for the peers' logs.
type batch struct {
	ops     []crdt.Operation
	resync  bool
	request bool
}

// NewBridge creates a detached bridge for doc.
func NewBridge(doc Document, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		doc: doc,
		logger: logger.With(
			slog.String("component", "collab.Bridge"),
			slog.String("actor", doc.Actor()),
		),
	}
}

// Attach starts replicating through t.
//
// # Description
//
// Subscribes to the document's deep-change events and forwards the
// operations of local transactions, merges batches received from t with
// origin crdt.OriginRemote, and queues a full resync so peers that missed
// earlier operations catch up. If t implements SyncRequester the peers are
// asked for their logs too. If t implements StateNotifier, every
// transition to StateConnected repeats both.
//
// # Inputs
//
//   - ctx: Bounds the lifetime of the send loop and of remote merges.
//   - t: Transport to attach.
//
// # Outputs
//
//   - error: ErrAlreadyAttached if a transport is attached.
func (b *Bridge) Attach(ctx context.Context, t Transport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport != nil {
		return ErrAlreadyAttached
	}

	ctx, cancel := context.WithCancel(ctx)
	b.transport = t
	b.cancel = cancel
	b.wake = make(chan struct{}, 1)
	b.done = make(chan struct{})
	b.queue = []batch{{resync: true}}

	b.detach = append(b.detach[:0],
		t.OnReceive(func(ops []crdt.Operation) { b.receive(ctx, ops) }),
		b.doc.ObserveDeep(b.onEvent),
	)
	if n, ok := t.(StateNotifier); ok {
		b.detach = append(b.detach, n.OnStateChange(b.onState))
	}
	if sr, ok := t.(SyncRequester); ok {
		b.queue = append(b.queue, batch{request: true})
		b.detach = append(b.detach, sr.OnSyncRequest(func() {
			b.enqueue(batch{resync: true})
		}))
	}

	go b.sendLoop(ctx, t, b.wake, b.done)
	signal(b.wake)
	b.logger.Info("bridge attached", slog.String("state", string(t.ConnectionState())))
	return nil
}

// Detach stops replicating. Queued batches that were not sent yet are
// dropped; the next Attach resyncs them.
func (b *Bridge) Detach() {
	b.mu.Lock()
	if b.transport == nil {
		b.mu.Unlock()
		return
	}
	detach, cancel, done := b.detach, b.cancel, b.done
	b.transport = nil
	b.detach = nil
	b.queue = nil
	b.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	cancel()
	<-done
	b.logger.Info("bridge detached")
}

// ConnectionState reports the attached transport's state.
func (b *Bridge) ConnectionState() ConnectionState {
	b.mu.Lock()
	t := b.transport
	b.mu.Unlock()
	if t == nil {
		return StateDisconnected
	}
	return t.ConnectionState()
}

// Resync sends the document's whole operation log through the transport.
//
// Receivers skip operations they already have, so resending is safe. Used
// after a reconnect and to bring late joiners up to date.
func (b *Bridge) Resync(ctx context.Context) error {
	b.mu.Lock()
	t := b.transport
	b.mu.Unlock()
	if t == nil {
		return ErrNotAttached
	}
	return b.sendLog(ctx, t)
}

func (b *Bridge) sendLog(ctx context.Context, t Transport) error {
	ops := b.doc.Operations()
	resyncsTotal.Inc()
	for start := 0; start < len(ops); start += maxBatch {
		end := min(start+maxBatch, len(ops))
		if err := b.send(ctx, t, ops[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) send(ctx context.Context, t Transport, ops []crdt.Operation) error {
	if err := t.Send(ctx, ops); err != nil {
		sendErrorsTotal.Inc()
		return err
	}
	opsSentTotal.Add(float64(len(ops)))
	return nil
}

func (b *Bridge) onEvent(ev crdt.Event) {
	if !ev.Local || len(ev.Ops) == 0 {
		return
	}
	b.enqueue(batch{ops: ev.Ops})
}

func (b *Bridge) onState(s ConnectionState) {
	b.logger.Info("transport state changed", slog.String("state", string(s)))
	if s == StateConnected {
		b.enqueue(batch{resync: true})
		b.mu.Lock()
		_, ok := b.transport.(SyncRequester)
		b.mu.Unlock()
		if ok {
			b.enqueue(batch{request: true})
		}
	}
}

func (b *Bridge) enqueue(bt batch) {
	b.mu.Lock()
	if b.transport == nil {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, bt)
	wake := b.wake
	b.mu.Unlock()
	signal(wake)
}

func signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) receive(ctx context.Context, ops []crdt.Operation) {
	if len(ops) == 0 {
		return
	}
	opsReceivedTotal.Add(float64(len(ops)))
	if err := b.doc.Merge(ctx, ops, crdt.OriginRemote); err != nil {
		b.logger.Warn("merge failed", slog.Int("ops", len(ops)), slog.String("error", err.Error()))
	}
}

func (b *Bridge) sendLoop(ctx context.Context, t Transport, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		for {
			b.mu.Lock()
			if len(b.queue) == 0 || b.transport != t {
				b.mu.Unlock()
				break
			}
			next := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			var err error
			switch {
			case next.request:
				err = t.(SyncRequester).RequestSync(ctx)
			case next.resync:
				err = b.sendLog(ctx, t)
			default:
				err = b.send(ctx, t, next.ops)
			}
			if err != nil && ctx.Err() == nil {
				// The operations stay in the log; the resync after the
				// next reconnect delivers them.
				b.logger.Warn("send failed",
					slog.Bool("resync", next.resync),
					slog.Int("ops", len(next.ops)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory is an in-process transport for tests and for editors
// hosting several replicas in one process. Frames go through the same
// JSON envelope as network transports, so receivers never share memory
// with senders.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// ErrDisconnected is returned by Send on a disconnected endpoint.
var ErrDisconnected = errors.New("endpoint disconnected")

// Network is a broadcast domain: every frame sent by one endpoint reaches
// every other connected endpoint.
type Network struct {
	mu    sync.RWMutex
	peers map[string]*Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Endpoint)}
}

// Join adds a connected endpoint named peer, replacing any previous
// endpoint with that name.
func (n *Network) Join(peer string) *Endpoint {
	e := &Endpoint{net: n, peer: peer, state: collab.StateConnected}
	n.mu.Lock()
	n.peers[peer] = e
	n.mu.Unlock()
	return e
}

func (n *Network) others(self string) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Endpoint, 0, len(n.peers))
	for name, e := range n.peers {
		if name != self {
			out = append(out, e)
		}
	}
	return out
}

// Endpoint is one peer's attachment to a Network. It implements
// collab.Transport, collab.PresenceTransport, collab.StateNotifier and
// collab.SyncRequester. Delivery is synchronous: Send returns after every
// receiver's handlers ran.
type Endpoint struct {
	collab.Dispatcher

	net  *Network
	peer string

	mu    sync.Mutex
	state collab.ConnectionState
}

// Send delivers ops to every other connected endpoint.
func (e *Endpoint) Send(ctx context.Context, ops []crdt.Operation) error {
	return e.broadcast(ctx, collab.Envelope{Type: collab.MessageOps, Sender: e.peer, Ops: ops})
}

// SendPresence delivers p to every other connected endpoint.
func (e *Endpoint) SendPresence(ctx context.Context, p collab.Presence) error {
	return e.broadcast(ctx, collab.Envelope{Type: collab.MessagePresence, Sender: e.peer, Presence: &p})
}

// RequestSync asks every other connected endpoint to resend its log.
func (e *Endpoint) RequestSync(ctx context.Context) error {
	return e.broadcast(ctx, collab.Envelope{Type: collab.MessageSync, Sender: e.peer})
}

func (e *Endpoint) broadcast(ctx context.Context, env collab.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ConnectionState() != collab.StateConnected {
		return ErrDisconnected
	}
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("memory send: %w", err)
	}
	for _, peer := range e.net.others(e.peer) {
		if peer.ConnectionState() == collab.StateConnected {
			_, _ = peer.DispatchFrame(frame)
		}
	}
	return nil
}

// ConnectionState reports whether the endpoint is connected.
func (e *Endpoint) ConnectionState() collab.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetConnected simulates losing or regaining the link. A disconnected
// endpoint neither sends nor receives.
func (e *Endpoint) SetConnected(connected bool) {
	state := collab.StateDisconnected
	if connected {
		state = collab.StateConnected
	}
	e.mu.Lock()
	changed := e.state != state
	e.state = state
	e.mu.Unlock()
	if changed {
		e.NotifyState(state)
	}
}

// Leave removes the endpoint from its network.
func (e *Endpoint) Leave() {
	e.SetConnected(false)
	e.net.mu.Lock()
	if e.net.peers[e.peer] == e {
		delete(e.net.peers, e.peer)
	}
	e.net.mu.Unlock()
}

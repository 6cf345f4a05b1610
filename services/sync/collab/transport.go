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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// ErrMalformedMessage is returned for envelopes that fail to decode or
// carry invalid operations.
var ErrMalformedMessage = errors.New("malformed message")

// ConnectionState is the state of a transport's link to its peers.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Transport carries operation batches between replicas.
//
// Implementations must reject malformed operations before handing them to
// receivers; DecodeEnvelope does that for JSON envelopes.
type Transport interface {
	// Send broadcasts ops to every other peer of the document.
	Send(ctx context.Context, ops []crdt.Operation) error

	// OnReceive registers fn for batches from other peers.
	OnReceive(fn func(ops []crdt.Operation)) (unsubscribe func())

	// ConnectionState reports the current link state.
	ConnectionState() ConnectionState
}

// StateNotifier is implemented by transports that report link changes.
// The bridge resyncs whenever the link comes back.
type StateNotifier interface {
	OnStateChange(fn func(ConnectionState)) (unsubscribe func())
}

// SyncRequester is implemented by transports that can ask peers to resend
// their operation logs. The bridge asks on attach and on every reconnect,
// and answers requests from peers with a resync.
type SyncRequester interface {
	RequestSync(ctx context.Context) error
	OnSyncRequest(fn func()) (unsubscribe func())
}

// PresenceTransport carries ephemeral presence next to operations.
type PresenceTransport interface {
	SendPresence(ctx context.Context, p Presence) error
	OnPresence(fn func(Presence)) (unsubscribe func())
}

// Presence is one peer's ephemeral state: selection, cursor, focused glyph.
// The payload schema belongs to the application.
type Presence struct {
	Actor   string         `json:"actor"`
	State   map[string]any `json:"state,omitempty"`
	Updated time.Time      `json:"updated"`

	// Gone marks a peer that left.
	Gone bool `json:"gone,omitempty"`
}

// MessageType tags an Envelope.
type MessageType string

const (
	MessageOps      MessageType = "ops"
	MessagePresence MessageType = "presence"

	// MessageSync asks the receiver to send back everything it has.
	MessageSync MessageType = "sync"
)

// Envelope is the JSON frame every network transport uses.
type Envelope struct {
	Type     MessageType      `json:"type"`
	Doc      string           `json:"doc,omitempty"`
	Sender   string           `json:"sender,omitempty"`
	Ops      []crdt.Operation `json:"-"`
	Presence *Presence        `json:"presence,omitempty"`
}

type wireEnvelope struct {
	Type     MessageType     `json:"type"`
	Doc      string          `json:"doc,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Ops      json.RawMessage `json:"ops,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	w := wireEnvelope{Type: e.Type, Doc: e.Doc, Sender: e.Sender, Presence: e.Presence}
	if len(e.Ops) > 0 {
		raw, err := crdt.EncodeOperations(e.Ops)
		if err != nil {
			return nil, fmt.Errorf("encode envelope: %w", err)
		}
		w.Ops = raw
	}
	return json.Marshal(w)
}

// DecodeEnvelope parses and validates a frame. Any invalid operation
// rejects the whole frame with ErrMalformedMessage.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	e := Envelope{Type: w.Type, Doc: w.Doc, Sender: w.Sender, Presence: w.Presence}
	switch w.Type {
	case MessageOps:
		if len(w.Ops) == 0 {
			break
		}
		ops, err := crdt.DecodeOperations(w.Ops)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		e.Ops = ops
	case MessagePresence:
		if w.Presence == nil || w.Presence.Actor == "" {
			return Envelope{}, fmt.Errorf("%w: presence without actor", ErrMalformedMessage)
		}
	case MessageSync:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
	return e, nil
}

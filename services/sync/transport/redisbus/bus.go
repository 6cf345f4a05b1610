// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redisbus carries document envelopes over Redis pub/sub.
//
// Every document has one channel, glyphsync:doc:{doc}. Editors can attach
// a Bus directly as their collab transport, and relays use it to fan
// frames out to relays serving the same document from other hosts.
// Payloads wrap the envelope with the publishing node's ID so a node
// never receives its own frames back.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// Channel returns the pub/sub channel of doc.
func Channel(doc string) string {
	return "glyphsync:doc:" + doc
}

type payload struct {
	Node  string          `json:"node"`
	Frame json.RawMessage `json:"frame"`
}

// Config configures a Bus.
type Config struct {
	// Doc selects the channel. Required.
	Doc string

	// Peer is written as the sender of envelopes sent through the
	// collab.Transport methods.
	Peer string

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// Bus is one node's subscription to a document channel.
//
// It implements collab.Transport, collab.PresenceTransport,
// collab.StateNotifier and collab.SyncRequester.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bus struct {
	collab.Dispatcher

	rdb    redis.UniversalClient
	cfg    Config
	node   string
	logger *slog.Logger
	pubsub *redis.PubSub
	done   chan struct{}

	mu       sync.Mutex
	state    collab.ConnectionState
	closed   bool
	next     int
	handlers map[int]func(collab.Envelope)
}

// New subscribes to the channel of cfg.Doc.
//
// # Description
//
// Waits for Redis to confirm the subscription before returning so frames
// published after New returns are never missed.
//
// # Inputs
//
//   - ctx: Bounds the subscription handshake.
//   - rdb: Redis client. Not closed by the bus.
//   - cfg: Bus configuration.
//
// # Outputs
//
//   - *Bus: Subscribed bus. Caller must Close it.
//   - error: Non-nil if the subscription fails.
func New(ctx context.Context, rdb redis.UniversalClient, cfg Config) (*Bus, error) {
	if cfg.Doc == "" {
		return nil, errors.New("redisbus: doc is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pubsub := rdb.Subscribe(ctx, Channel(cfg.Doc))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", cfg.Doc, err)
	}
	b := &Bus{
		rdb:    rdb,
		cfg:    cfg,
		node:   uuid.NewString(),
		pubsub: pubsub,
		done:   make(chan struct{}),
		state:  collab.StateConnected,
		logger: cfg.Logger.With(
			slog.String("component", "redisbus"),
			slog.String("doc", cfg.Doc),
		),
	}
	go b.listen()
	return b, nil
}

func (b *Bus) listen() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var p payload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			b.logger.Warn("dropped payload", slog.String("error", err.Error()))
			continue
		}
		if p.Node == b.node {
			continue
		}
		env, err := collab.DecodeEnvelope(p.Frame)
		if err != nil {
			b.logger.Warn("dropped frame", slog.String("node", p.Node), slog.String("error", err.Error()))
			continue
		}
		b.mu.Lock()
		hs := make([]func(collab.Envelope), 0, len(b.handlers))
		for _, fn := range b.handlers {
			hs = append(hs, fn)
		}
		b.mu.Unlock()
		for _, fn := range hs {
			fn(env)
		}
		b.Dispatch(env)
	}
	b.setState(collab.StateDisconnected)
}

// OnEnvelope registers fn for every envelope published by other nodes,
// before the typed handlers run.
func (b *Bus) OnEnvelope(fn func(collab.Envelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[int]func(collab.Envelope))
	}
	b.next++
	id := b.next
	b.handlers[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish sends env to every other node on the channel as is.
func (b *Bus) Publish(ctx context.Context, env collab.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload{Node: b.node, Frame: frame})
	if err != nil {
		return fmt.Errorf("redisbus: encode payload: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(b.cfg.Doc), data).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Send publishes an operation batch.
func (b *Bus) Send(ctx context.Context, ops []crdt.Operation) error {
	return b.Publish(ctx, collab.Envelope{Type: collab.MessageOps, Doc: b.cfg.Doc, Sender: b.cfg.Peer, Ops: ops})
}

// SendPresence publishes a presence update.
func (b *Bus) SendPresence(ctx context.Context, p collab.Presence) error {
	return b.Publish(ctx, collab.Envelope{Type: collab.MessagePresence, Doc: b.cfg.Doc, Sender: b.cfg.Peer, Presence: &p})
}

// RequestSync asks the other nodes to resend their operations.
func (b *Bus) RequestSync(ctx context.Context) error {
	return b.Publish(ctx, collab.Envelope{Type: collab.MessageSync, Doc: b.cfg.Doc, Sender: b.cfg.Peer})
}

// ConnectionState reports whether the subscription is live.
func (b *Bus) ConnectionState() collab.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) setState(s collab.ConnectionState) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()
	if changed {
		b.NotifyState(s)
	}
}

// Close unsubscribes. The Redis client stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.pubsub.Close()
	<-b.done
	return err
}

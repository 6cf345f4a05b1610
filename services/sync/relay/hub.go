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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/transport/redisbus"
)

const (
	// maxBatch bounds the operations per backlog frame.
	maxBatch = 512

	// sendBuffer is the number of frames queued per peer before the peer
	// is considered too slow and disconnected.
	sendBuffer = 256

	writeWait      = 10 * time.Second
	publishTimeout = 5 * time.Second
)

const (
	sourcePeer  = "peer"
	sourceRedis = "redis"
)

// hub serves the peers of one document.
//
// # Thread Safety
//
// Safe for concurrent use. Frames from one peer are handled in order on
// that peer's read goroutine.
type hub struct {
	doc          string
	log          OpLog
	shared       bool
	bus          *redisbus.Bus
	maxFrame     int64
	pingInterval time.Duration
	logger       *slog.Logger

	// refs counts acquirers; guarded by Server.mu.
	refs int

	mu    sync.Mutex
	peers map[*peer]struct{}
	seen  map[crdt.ID]struct{}
	ops   []crdt.Operation
}

// peer is one websocket connection.
type peer struct {
	name string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// enqueue queues frame without blocking. It reports false if the peer's
// buffer is full or the peer is gone.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueWait queues frame, waiting for buffer space.
func (p *peer) enqueueWait(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	case <-p.done:
		return false
	}
}

func newHub(doc string, ops []crdt.Operation, log OpLog, cfg Config) *hub {
	h := &hub{
		doc:          doc,
		log:          log,
		shared:       isShared(log),
		maxFrame:     cfg.MaxFrameBytes,
		pingInterval: cfg.PingInterval,
		logger:       cfg.Logger.With(slog.String("doc", doc)),
		peers:        make(map[*peer]struct{}),
		seen:         make(map[crdt.ID]struct{}, len(ops)),
	}
	for _, op := range ops {
		if _, dup := h.seen[op.ID]; dup {
			continue
		}
		h.seen[op.ID] = struct{}{}
		h.ops = append(h.ops, op)
	}
	return h
}

// attachBus starts fanning frames out through bus and asks the other
// relays for operations this one has not seen.
func (h *hub) attachBus(ctx context.Context, bus *redisbus.Bus) {
	h.bus = bus
	bus.OnEnvelope(h.handleBus)
	if err := bus.RequestSync(ctx); err != nil {
		h.logger.Warn("redis sync request failed", slog.String("error", err.Error()))
	}
}

func (h *hub) close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	if h.bus != nil {
		if err := h.bus.Close(); err != nil {
			h.logger.Warn("redis unsubscribe failed", slog.String("error", err.Error()))
		}
	}
}

func (h *hub) stats() (peers, ops int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers), len(h.ops)
}

func (h *hub) snapshotOps() []crdt.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]crdt.Operation(nil), h.ops...)
}

// record keeps the operations not seen before and returns them.
func (h *hub) record(ops []crdt.Operation) []crdt.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	var fresh []crdt.Operation
	for _, op := range ops {
		if _, dup := h.seen[op.ID]; dup {
			continue
		}
		h.seen[op.ID] = struct{}{}
		h.ops = append(h.ops, op)
		fresh = append(fresh, op)
	}
	return fresh
}

// backlog encodes the whole log as ops frames.
func (h *hub) backlog() ([][]byte, int) {
	ops := h.snapshotOps()
	return h.encodeBatches(ops), len(ops)
}

func (h *hub) encodeBatches(ops []crdt.Operation) [][]byte {
	var frames [][]byte
	for start := 0; start < len(ops); start += maxBatch {
		end := min(start+maxBatch, len(ops))
		frame, err := collab.Envelope{Type: collab.MessageOps, Doc: h.doc, Ops: ops[start:end]}.Encode()
		if err != nil {
			h.logger.Error("encode backlog", slog.String("error", err.Error()))
			return nil
		}
		frames = append(frames, frame)
	}
	return frames
}

// broadcast queues frame for every peer except skip. Peers whose buffer
// is full are disconnected; they catch up through the backlog when they
// reconnect.
func (h *hub) broadcast(frame []byte, skip *peer) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p != skip {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		if !p.enqueue(frame) {
			framesDroppedTotal.WithLabelValues("slow_peer").Inc()
			h.logger.Warn("disconnecting slow peer", slog.String("peer", p.name))
			p.close()
		}
	}
}

func (h *hub) publish(env collab.Envelope) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, env); err != nil && !errors.Is(err, redisbus.ErrClosed) {
		h.logger.Warn("redis publish failed", slog.String("error", err.Error()))
	}
}

func (h *hub) store(ops []crdt.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.log.Append(ctx, h.doc, ops); err != nil {
		h.logger.Error("op log append failed",
			slog.Int("ops", len(ops)),
			slog.String("error", err.Error()),
		)
		return
	}
	opsStoredTotal.Add(float64(len(ops)))
}

// handlePeer processes one frame from a connected peer.
func (h *hub) handlePeer(p *peer, frame []byte) {
	env, err := collab.DecodeEnvelope(frame)
	if err != nil {
		framesDroppedTotal.WithLabelValues("malformed").Inc()
		h.logger.Warn("dropped frame", slog.String("peer", p.name), slog.String("error", err.Error()))
		return
	}
	if env.Doc != "" && env.Doc != h.doc {
		framesDroppedTotal.WithLabelValues("wrong_doc").Inc()
		return
	}
	framesTotal.WithLabelValues(sourcePeer, string(env.Type)).Inc()

	switch env.Type {
	case collab.MessageOps:
		fresh := h.record(env.Ops)
		if len(fresh) == 0 {
			return
		}
		h.store(fresh)
		out := collab.Envelope{Type: collab.MessageOps, Doc: h.doc, Sender: env.Sender, Ops: fresh}
		if len(fresh) < len(env.Ops) {
			frame, err = out.Encode()
			if err != nil {
				h.logger.Error("encode ops", slog.String("error", err.Error()))
				return
			}
		}
		h.broadcast(frame, p)
		h.publish(out)

	case collab.MessagePresence:
		h.broadcast(frame, p)
		h.publish(env)

	case collab.MessageSync:
		h.sendBacklog(p)

	default:
		framesDroppedTotal.WithLabelValues("unknown_type").Inc()
	}
}

// handleBus processes one envelope published by another relay.
func (h *hub) handleBus(env collab.Envelope) {
	framesTotal.WithLabelValues(sourceRedis, string(env.Type)).Inc()
	switch env.Type {
	case collab.MessageOps:
		fresh := h.record(env.Ops)
		if len(fresh) == 0 {
			return
		}
		if !h.shared {
			h.store(fresh)
		}
		frame, err := collab.Envelope{Type: collab.MessageOps, Doc: h.doc, Sender: env.Sender, Ops: fresh}.Encode()
		if err != nil {
			h.logger.Error("encode ops", slog.String("error", err.Error()))
			return
		}
		h.broadcast(frame, nil)

	case collab.MessagePresence:
		frame, err := env.Encode()
		if err != nil {
			return
		}
		h.broadcast(frame, nil)

	case collab.MessageSync:
		ops := h.snapshotOps()
		for start := 0; start < len(ops); start += maxBatch {
			end := min(start+maxBatch, len(ops))
			h.publish(collab.Envelope{Type: collab.MessageOps, Doc: h.doc, Ops: ops[start:end]})
		}
	}
}

func (h *hub) sendBacklog(p *peer) {
	frames, n := h.backlog()
	for _, frame := range frames {
		if !p.enqueueWait(frame) {
			return
		}
	}
	backlogOpsTotal.Add(float64(n))
}

// serve runs a connection until it closes.
//
// The peer is registered in the same critical section that copies the
// backlog, so every operation reaches it either through the backlog or as
// a live frame. The two may interleave; peers buffer operations whose
// dependencies have not arrived yet.
func (h *hub) serve(conn *websocket.Conn, name string) {
	p := &peer{
		name: name,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	ops := append([]crdt.Operation(nil), h.ops...)
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	frames, n := h.encodeBatches(ops), len(ops)
	peersConnected.Inc()
	h.logger.Info("peer joined", slog.String("peer", name), slog.Int("backlog_ops", n))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(p)
	}()

	for _, frame := range frames {
		if !p.enqueueWait(frame) {
			break
		}
	}
	backlogOpsTotal.Add(float64(n))

	h.readLoop(p)

	p.close()
	<-writerDone
	_ = conn.Close()

	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	peersConnected.Dec()
	h.logger.Info("peer left", slog.String("peer", name))
}

func (h *hub) readLoop(p *peer) {
	readWait := 2 * h.pingInterval
	p.conn.SetReadLimit(h.maxFrame)
	_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read failed", slog.String("peer", p.name), slog.String("error", err.Error()))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
		h.handlePeer(p, frame)

		select {
		case <-p.done:
			return
		default:
		}
	}
}

func (h *hub) writeLoop(p *peer) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.close()
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.close()
				_ = p.conn.Close()
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			// Unblock the reader.
			_ = p.conn.Close()
			return
		}
	}
}

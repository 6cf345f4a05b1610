// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction defines the boundaries of local edits.
//
// A Coordinator opens at most one logical transaction at a time and maps
// each kind of mutation source onto store transactions:
//
//	Direct    one call, one store transaction
//	Group     many Do calls, one undo entry, ends on End or idle expiry
//	Scripted  snapshot before, external mutation, diff-and-apply after
//
// Undo and redo also run through the coordinator so they cannot interleave
// with an open transaction.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/delta"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

var (
	// ErrTransactionActive is returned when a transaction is opened while
	// another one is open.
	ErrTransactionActive = errors.New("transaction already active")

	// ErrNoTransaction is returned when a transaction is used after it
	// ended, or ended when none of that kind is open.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrNoHistory is returned by Undo and Redo without a History.
	ErrNoHistory = errors.New("no undo history configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)

// DefaultCaptureTimeout is the idle time after which an open group ends.
const DefaultCaptureTimeout = 500 * time.Millisecond

// Kind identifies the mutation source of a transaction.
type Kind string

const (
	KindDirect   Kind = "direct"
	KindGroup    Kind = "group"
	KindScripted Kind = "scripted"
	KindUndo     Kind = "undo"
	KindRedo     Kind = "redo"
	KindLoad     Kind = "load"
)

// Store is the part of the document store the coordinator needs.
type Store interface {
	Transact(ctx context.Context, origin, description string, fn func(*crdt.Txn) error) (crdt.Commit, error)
	Capture() *crdt.Frame
}

// History is an undo history the coordinator drives.
type History interface {
	Undo(ctx context.Context) (bool, error)
	Redo(ctx context.Context) (bool, error)
	BeginGroup()
	EndGroup()
	StopCapturing()
}

// Config configures a Coordinator.
type Config struct {
	// Origin tags direct and grouped transactions. Default: crdt.OriginLocal.
	Origin string

	// ScriptOrigin tags scripted transactions. Default: crdt.OriginScript.
	ScriptOrigin string

	// CaptureTimeout is how long a group may stay idle before it ends.
	// Default: DefaultCaptureTimeout.
	CaptureTimeout time.Duration

	// History receives group boundaries and serves Undo and Redo. Optional.
	History History

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for coordinator events. Default: slog.Default().
	Logger *slog.Logger

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool

	// MetricsEnabled turns on OpenTelemetry metrics.
	MetricsEnabled bool
}

// Transaction describes an open logical transaction.
type Transaction struct {
	ID          string
	Kind        Kind
	Description string
	StartedAt   time.Time

	// Operations counts the store operations committed so far.
	Operations int

	base *crdt.Frame
}

// Coordinator enforces a single open transaction per client.
//
// # Description
//
// Every mutation source opens a transaction through the coordinator. A
// second open while one is active fails with ErrTransactionActive; the
// check is cooperative and does not lock the document, so remote merges
// proceed while a scripted transaction is open.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Coordinator struct {
	store        Store
	origin       string
	scriptOrigin string
	now          func() time.Time
	logger       *slog.Logger
	tracer       *Tracer

	mu        sync.Mutex
	window    time.Duration
	history   History
	histories map[*trackedHistory]struct{}
	active    *Transaction
	group     *Group
	closed    bool
}

type trackedHistory struct{ h History }

// New creates a coordinator for store.
//
// # Inputs
//
//   - store: Document store the coordinator writes through.
//   - cfg: Coordinator configuration.
//
// # Outputs
//
//   - *Coordinator: Ready-to-use coordinator.
func New(store Store, cfg Config) *Coordinator {
	if cfg.Origin == "" {
		cfg.Origin = crdt.OriginLocal
	}
	if cfg.ScriptOrigin == "" {
		cfg.ScriptOrigin = crdt.OriginScript
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "transaction.Coordinator"))

	SetMetricsEnabled(cfg.MetricsEnabled)

	return &Coordinator{
		store:        store,
		origin:       cfg.Origin,
		scriptOrigin: cfg.ScriptOrigin,
		now:          cfg.Now,
		logger:       logger,
		tracer:       NewTracer(logger, cfg.TracingEnabled),
		window:       cfg.CaptureTimeout,
		history:      cfg.History,
		histories:    make(map[*trackedHistory]struct{}),
	}
}

// Track registers an additional history that receives group boundaries,
// such as an undo manager scoped to one glyph. The returned function
// removes it.
func (c *Coordinator) Track(h History) (untrack func()) {
	th := &trackedHistory{h: h}
	c.mu.Lock()
	c.histories[th] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.histories, th)
			c.mu.Unlock()
		})
	}
}

// SetCaptureTimeout changes the idle expiry of groups opened afterwards.
func (c *Coordinator) SetCaptureTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCaptureTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = d
}

// Active returns a copy of the open transaction, or nil.
func (c *Coordinator) Active() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	tx := *c.active
	tx.base = nil
	return &tx
}

// IsActive returns true if a transaction is open.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// -----------------------------------------------------------------------------
// Direct
// -----------------------------------------------------------------------------

// Direct runs fn as one store transaction.
//
// # Description
//
// Opens a direct transaction, runs fn inside a store transaction tagged
// with the coordinator's origin and resolves it. An error from fn rolls the
// store transaction back and is returned unchanged.
//
// # Inputs
//
//   - ctx: Context for the store transaction.
//   - description: Label shown in undo history.
//   - fn: Mutations to perform.
//
// # Outputs
//
//   - crdt.Commit: What was committed.
//   - error: ErrTransactionActive if another transaction is open, or the
//     store error.
func (c *Coordinator) Direct(ctx context.Context, description string, fn func(*crdt.Txn) error) (commit crdt.Commit, err error) {
	tx, err := c.open(ctx, KindDirect, description)
	if err != nil {
		return crdt.Commit{}, err
	}

	ctx, span := c.tracer.StartCommit(ctx, tx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Direct: %v", r)
			LoggerWithTrace(ctx, c.logger).Error("panic in Direct",
				slog.Any("panic", r),
				slog.String("description", description),
			)
		}
		c.tracer.EndCommit(span, len(commit.Ops), err)
		c.finish(ctx, tx, len(commit.Ops), err)
	}()

	return c.store.Transact(ctx, c.origin, description, fn)
}

// Load runs a whole-document replacement as a transaction of its own.
//
// # Description
//
// fn performs the replacement and anything that must happen atomically
// with it, such as clearing undo histories. No other transaction can open
// until fn returns. An error from fn is returned unchanged.
//
// # Outputs
//
//   - crdt.Commit: What fn committed.
//   - error: ErrTransactionActive if another transaction is open, or the
//     error from fn.
func (c *Coordinator) Load(ctx context.Context, description string, fn func(context.Context) (crdt.Commit, error)) (commit crdt.Commit, err error) {
	tx, err := c.open(ctx, KindLoad, description)
	if err != nil {
		return crdt.Commit{}, err
	}
	ctx, span := c.tracer.StartCommit(ctx, tx)
	defer func() {
		c.tracer.EndCommit(span, len(commit.Ops), err)
		c.finish(ctx, tx, len(commit.Ops), err)
	}()
	return fn(ctx)
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// Group is an open grouped transaction. Every Do lands in one undo entry.
//
// # Thread Safety
//
// Safe for concurrent use; Do calls are serialized.
type Group struct {
	c  *Coordinator
	tx *Transaction

	mu     sync.Mutex
	timer  *time.Timer
	window time.Duration
	last   time.Time
	ended  bool
}

// BeginGroup opens a grouped transaction.
//
// # Description
//
// Undo histories are told to merge everything until the group ends into
// one entry. The group ends on End, or automatically once no Do happened
// for the capture timeout.
//
// # Outputs
//
//   - *Group: Handle for Do and End.
//   - error: ErrTransactionActive if another transaction is open.
func (c *Coordinator) BeginGroup(ctx context.Context, description string) (*Group, error) {
	tx, err := c.open(ctx, KindGroup, description)
	if err != nil {
		return nil, err
	}
	for _, h := range c.historiesSnapshot() {
		h.BeginGroup()
	}

	c.mu.Lock()
	g := &Group{c: c, tx: tx, window: c.window, last: c.now()}
	c.group = g
	c.mu.Unlock()

	g.mu.Lock()
	g.timer = time.AfterFunc(g.window, g.expire)
	g.mu.Unlock()
	return g, nil
}

// ID returns the group's transaction ID.
func (g *Group) ID() string {
	return g.tx.ID
}

// Ended reports whether the group was ended explicitly or by expiry.
func (g *Group) Ended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended
}

// Do runs fn as one store transaction inside the group and restarts the
// idle timer.
//
// # Outputs
//
//   - crdt.Commit: What was committed.
//   - error: ErrNoTransaction if the group already ended, or the store
//     error. A failed Do does not end the group.
func (g *Group) Do(ctx context.Context, fn func(*crdt.Txn) error) (crdt.Commit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended {
		return crdt.Commit{}, fmt.Errorf("group %q: %w", g.tx.Description, ErrNoTransaction)
	}
	g.timer.Stop()
	defer func() {
		g.last = g.c.now()
		g.timer.Reset(g.window)
	}()

	commit, err := g.c.store.Transact(ctx, g.c.origin, g.tx.Description, fn)
	if err != nil {
		return commit, err
	}
	g.c.mu.Lock()
	g.tx.Operations += len(commit.Ops)
	g.c.mu.Unlock()
	return commit, nil
}

// End closes the group.
func (g *Group) End(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended {
		return fmt.Errorf("group %q: %w", g.tx.Description, ErrNoTransaction)
	}
	g.endLocked(ctx)
	return nil
}

func (g *Group) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ended {
		return
	}
	// Idle time is measured on the coordinator's clock; re-arm until it
	// has passed the window.
	if idle := g.c.now().Sub(g.last); idle < g.window {
		g.timer.Reset(g.window - idle)
		return
	}
	ctx := context.Background()
	g.c.tracer.RecordExpiration(ctx, g.tx)
	recordExpired(ctx)
	g.endLocked(ctx)
}

func (g *Group) endLocked(ctx context.Context) {
	g.ended = true
	g.timer.Stop()

	ctx, span := g.c.tracer.StartCommit(ctx, g.tx)
	for _, h := range g.c.historiesSnapshot() {
		h.EndGroup()
	}
	g.c.mu.Lock()
	ops := g.tx.Operations
	if g.c.group == g {
		g.c.group = nil
	}
	g.c.mu.Unlock()
	g.c.tracer.EndCommit(span, ops, nil)
	g.c.finish(ctx, g.tx, ops, nil)
}

// -----------------------------------------------------------------------------
// Scripted
// -----------------------------------------------------------------------------

// BeginScripted opens a scripted transaction.
//
// # Description
//
// Captures the current snapshot together with the identity of everything
// in it. The document is not locked: remote merges keep landing while the
// script runs, and EndScripted writes only what the script changed
// relative to the captured snapshot, addressed to the containers and list
// elements the script saw.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - description: Label shown in undo history.
//
// # Outputs
//
//   - snapshot.Map: The before snapshot. The caller owns it.
//   - error: ErrTransactionActive if another transaction is open.
func (c *Coordinator) BeginScripted(ctx context.Context, description string) (snapshot.Map, error) {
	tx, err := c.open(ctx, KindScripted, description)
	if err != nil {
		return nil, err
	}
	base := c.store.Capture()
	c.mu.Lock()
	tx.base = base
	c.mu.Unlock()
	return base.Snapshot(), nil
}

// EndScripted reconciles the document with after and closes the scripted
// transaction.
//
// # Description
//
// Runs delta.DiffAndApplyIn between the captured snapshot and after in one
// store transaction tagged with the script origin. Changes whose target a
// peer removed meanwhile are skipped and counted in Result.Skipped. The
// transaction is closed whether or not the apply succeeds. Undo capture is
// stopped on both sides so the script becomes its own undo entry.
//
// # Outputs
//
//   - delta.Result: The diff and the commit. Applied is false when
//     nothing was written.
//   - error: ErrNoTransaction if no scripted transaction is open, or the
//     store error.
func (c *Coordinator) EndScripted(ctx context.Context, after snapshot.Map) (res delta.Result, err error) {
	c.mu.Lock()
	tx := c.active
	if tx == nil || tx.Kind != KindScripted {
		c.mu.Unlock()
		return delta.Result{}, fmt.Errorf("end scripted: %w", ErrNoTransaction)
	}
	base := tx.base
	c.mu.Unlock()

	ctx, span := c.tracer.StartCommit(ctx, tx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in EndScripted: %v", r)
			LoggerWithTrace(ctx, c.logger).Error("panic in EndScripted",
				slog.Any("panic", r),
				slog.String("tx_id", tx.ID),
			)
		}
		ops := len(res.Commit.Ops)
		c.tracer.EndCommit(span, ops, err)
		c.finish(ctx, tx, ops, err)
	}()

	histories := c.historiesSnapshot()
	for _, h := range histories {
		h.StopCapturing()
	}
	res, err = delta.DiffAndApplyIn(ctx, c.store, base, after, c.scriptOrigin, tx.Description)
	for _, h := range histories {
		h.StopCapturing()
	}
	if res.Skipped > 0 {
		LoggerWithTrace(ctx, c.logger).Info("script changes superseded by peers",
			slog.String("tx_id", tx.ID),
			slog.Int("skipped", res.Skipped),
		)
	}
	return res, err
}

// CancelScripted discards the open scripted transaction. The document is
// not touched.
//
// # Outputs
//
//   - error: ErrNoTransaction if no scripted transaction is open.
func (c *Coordinator) CancelScripted(ctx context.Context) error {
	c.mu.Lock()
	tx := c.active
	if tx == nil || tx.Kind != KindScripted {
		c.mu.Unlock()
		return fmt.Errorf("cancel scripted: %w", ErrNoTransaction)
	}
	c.active = nil
	c.mu.Unlock()

	c.tracer.RecordCancel(ctx, tx, "cancelled by caller")
	recordCancel(ctx, tx.Kind, c.now().Sub(tx.StartedAt))
	return nil
}

// -----------------------------------------------------------------------------
// Undo / Redo
// -----------------------------------------------------------------------------

// Undo undoes the most recent entry of the configured history.
func (c *Coordinator) Undo(ctx context.Context) (bool, error) {
	return c.UndoIn(ctx, c.history)
}

// Redo redoes the most recently undone entry of the configured history.
func (c *Coordinator) Redo(ctx context.Context) (bool, error) {
	return c.RedoIn(ctx, c.history)
}

// UndoIn undoes the most recent entry of h.
//
// # Outputs
//
//   - bool: Whether anything was reverted.
//   - error: ErrTransactionActive while another transaction is open.
func (c *Coordinator) UndoIn(ctx context.Context, h History) (bool, error) {
	return c.replay(ctx, KindUndo, h)
}

// RedoIn redoes the most recently undone entry of h.
func (c *Coordinator) RedoIn(ctx context.Context, h History) (bool, error) {
	return c.replay(ctx, KindRedo, h)
}

func (c *Coordinator) replay(ctx context.Context, kind Kind, h History) (ok bool, err error) {
	if h == nil {
		return false, ErrNoHistory
	}
	tx, err := c.open(ctx, kind, string(kind))
	if err != nil {
		return false, err
	}
	defer func() { c.finish(ctx, tx, 0, err) }()

	if kind == KindUndo {
		return h.Undo(ctx)
	}
	return h.Redo(ctx)
}

// Close ends an open group and discards an open scripted transaction.
// Later opens fail with ErrClosed.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	tx, g := c.active, c.group
	c.mu.Unlock()

	switch {
	case g != nil:
		if err := g.End(ctx); err == nil {
			c.logger.Warn("closed coordinator with open group", slog.String("tx_id", tx.ID))
		}
	case tx != nil && tx.Kind == KindScripted:
		c.logger.Warn("closed coordinator with open scripted transaction", slog.String("tx_id", tx.ID))
		_ = c.CancelScripted(ctx)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func (c *Coordinator) open(ctx context.Context, kind Kind, description string) (tx *Transaction, err error) {
	ctx, span := c.tracer.StartBegin(ctx, kind, description)
	defer func() {
		c.tracer.EndBegin(span, tx, err)
		recordBegin(ctx, kind, err == nil)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.active != nil {
		LoggerWithTrace(ctx, c.logger).Debug("rejected transaction",
			slog.String("kind", string(kind)),
			slog.String("description", description),
			slog.String("active_kind", string(c.active.Kind)),
		)
		return nil, fmt.Errorf("%s %q: %w", kind, description, ErrTransactionActive)
	}
	tx = &Transaction{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		StartedAt:   c.now(),
	}
	c.active = tx
	return tx, nil
}

func (c *Coordinator) finish(ctx context.Context, tx *Transaction, ops int, err error) {
	c.mu.Lock()
	if c.active == tx {
		c.active = nil
	}
	c.mu.Unlock()
	recordCommit(ctx, tx.Kind, c.now().Sub(tx.StartedAt), ops, err == nil)
}

func (c *Coordinator) historiesSnapshot() []History {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]History, 0, len(c.histories)+1)
	if c.history != nil {
		out = append(out, c.history)
	}
	for th := range c.histories {
		out = append(out, th.h)
	}
	return out
}

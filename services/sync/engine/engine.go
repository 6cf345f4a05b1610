// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/config"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/delta"
	"github.com/counterpunchspace/editor-sub005/services/sync/persist"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/storage/badger"
	"github.com/counterpunchspace/editor-sub005/services/sync/transaction"
	"github.com/counterpunchspace/editor-sub005/services/sync/undo"
	"github.com/counterpunchspace/editor-sub005/services/sync/view"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Model converts between document snapshots and the application's domain
// view. Both directions must be pure: no retained references to their
// input and no side effects.
type Model[V any] interface {
	FromSnapshot(snap snapshot.Map) (V, error)
	ToSnapshot(v V) (snapshot.Map, error)
}

// Config configures an Engine.
type Config struct {
	// Doc names the document. Default: "default".
	Doc string

	// Actor names this replica. Default: a random UUID.
	Actor string

	// CaptureTimeout merges undo captures closer together than this and
	// ends idle groups. Zero uses undo.DefaultCaptureTimeout; negative
	// disables merging.
	CaptureTimeout time.Duration

	// TrackedOrigins are the origins the undo history records.
	// Default: crdt.OriginLocal and crdt.OriginScript.
	TrackedOrigins []string

	// UndoScope is "global" or a dotted path. Default: "global".
	UndoScope string

	// MaxUndoDepth bounds the undo and redo stacks.
	// Default: undo.DefaultMaxDepth.
	MaxUndoDepth int

	// StorePath is the badger directory of the journal. Empty together
	// with InMemoryStore false disables the journal.
	StorePath string

	// InMemoryStore keeps the journal in memory. Used by tests.
	InMemoryStore bool

	// SyncWrites fsyncs every journal append.
	SyncWrites bool

	// CheckpointInterval is how often a checkpoint is written while the
	// journal has new entries. Zero writes one only on Close.
	CheckpointInterval time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for engine events. Default: slog.Default().
	Logger *slog.Logger

	// TracingEnabled and MetricsEnabled turn on OpenTelemetry in the
	// transaction coordinator.
	TracingEnabled bool
	MetricsEnabled bool
}

// ConfigFrom maps the file configuration onto an engine Config. A zero
// capture timeout in the file disables merging.
func ConfigFrom(c config.Config) Config {
	return Config{
		Doc:                c.Engine.Doc,
		Actor:              c.Engine.Actor,
		CaptureTimeout:     captureFromFile(c.Engine.CaptureTimeout),
		TrackedOrigins:     append([]string(nil), c.Engine.TrackedOrigins...),
		UndoScope:          c.Engine.UndoScope,
		StorePath:          c.Store.Path,
		SyncWrites:         c.Store.SyncWrites,
		CheckpointInterval: c.Store.CheckpointInterval,
		TracingEnabled:     c.Telemetry.Exporter != "" && c.Telemetry.Exporter != "none",
		MetricsEnabled:     c.Telemetry.Exporter != "" && c.Telemetry.Exporter != "none",
	}
}

func captureFromFile(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// undoWindow maps the engine's capture timeout onto undo.Config semantics.
func undoWindow(d time.Duration) time.Duration {
	if d == 0 {
		return undo.DefaultCaptureTimeout
	}
	return d
}

// Engine is the process-wide context of one document.
//
// # Description
//
// The crdt.Document is the single source of truth. The view cache
// materializes V from it on demand, the undo manager and coordinator
// record and bound local edits, the bridge replicates them and the
// journal makes them durable.
//
// # Thread Safety
//
// Safe for concurrent use. At most one logical transaction is open at a
// time; opening a second one fails with transaction.ErrTransactionActive.
type Engine[V any] struct {
	cfg    Config
	model  Model[V]
	logger *slog.Logger

	doc       *crdt.Document
	history   *undo.Manager
	coord     *transaction.Coordinator
	cache     *view.Cache[V]
	bridge    *collab.Bridge
	awareness *collab.Awareness

	db       *badger.DB
	journal  *persist.Journal
	unfollow func()

	mu             sync.Mutex
	closed         bool
	scoped         map[*Scoped]struct{}
	detachPresence func()

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an engine around an empty or restored document.
//
// # Description
//
// When a store is configured the journal is opened first and its
// operations are merged into the document, so the restored state carries
// the original element identities and is not recorded as an undoable
// edit. Every later transaction is appended to the journal.
//
// # Inputs
//
//   - ctx: Bounds journal restore.
//   - cfg: Engine configuration.
//   - model: Converts snapshots into V. Required.
//
// # Outputs
//
//   - *Engine[V]: Ready engine. Call Close to release it.
//   - error: Non-nil if the store cannot be opened or restored.
func New[V any](ctx context.Context, cfg Config, model Model[V]) (*Engine[V], error) {
	if model == nil {
		return nil, fmt.Errorf("new engine: model is required")
	}
	if cfg.Doc == "" {
		cfg.Doc = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "engine"), slog.String("doc", cfg.Doc))

	e := &Engine[V]{
		cfg:    cfg,
		model:  model,
		logger: logger,
		doc:    crdt.New(crdt.Config{Actor: cfg.Actor, Logger: cfg.Logger}),
		scoped: make(map[*Scoped]struct{}),
		stop:   make(chan struct{}),
	}

	if cfg.StorePath != "" || cfg.InMemoryStore {
		if err := e.openJournal(ctx); err != nil {
			e.doc.Close()
			return nil, err
		}
	}

	e.history = undo.New(e.doc, undo.Config{
		Name:           "global",
		Scope:          snapshot.ParsePath(cfg.UndoScope),
		TrackedOrigins: cfg.TrackedOrigins,
		CaptureTimeout: undoWindow(cfg.CaptureTimeout),
		MaxDepth:       cfg.MaxUndoDepth,
		Now:            cfg.Now,
		Logger:         cfg.Logger,
	})
	e.coord = transaction.New(e.doc, transaction.Config{
		CaptureTimeout: cfg.CaptureTimeout,
		History:        e.history,
		Now:            cfg.Now,
		Logger:         cfg.Logger,
		TracingEnabled: cfg.TracingEnabled,
		MetricsEnabled: cfg.MetricsEnabled,
	})
	e.cache = view.New[V](e.doc, func(_ context.Context, snap snapshot.Map) (V, error) {
		return model.FromSnapshot(snap)
	}, view.WithName(cfg.Doc), view.WithLogger(cfg.Logger))
	e.bridge = collab.NewBridge(e.doc, cfg.Logger)
	e.awareness = collab.NewAwareness(e.doc.Actor(), collab.AwarenessConfig{
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})

	if e.journal != nil && cfg.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop(cfg.CheckpointInterval)
	}

	logger.Info("engine started",
		slog.String("actor", e.doc.Actor()),
		slog.Bool("journal", e.journal != nil),
		slog.String("undo_scope", e.history.Scope().String()),
	)
	return e, nil
}

func (e *Engine[V]) openJournal(ctx context.Context) error {
	bcfg := badger.DefaultConfig(e.cfg.StorePath)
	if e.cfg.InMemoryStore {
		bcfg = badger.InMemoryConfig()
	}
	bcfg.SyncWrites = e.cfg.SyncWrites
	bcfg.Logger = e.cfg.Logger

	db, err := badger.Open(bcfg)
	if err != nil {
		return fmt.Errorf("open journal store: %w", err)
	}
	j, err := persist.NewJournal(db, persist.Config{Doc: e.cfg.Doc, Logger: e.cfg.Logger})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("open journal: %w", err)
	}
	n, err := j.Restore(ctx, e.doc)
	if err != nil {
		_ = j.Close()
		_ = db.Close()
		return fmt.Errorf("restore journal: %w", err)
	}
	e.db, e.journal = db, j
	e.unfollow = j.Follow(e.doc)
	e.logger.Info("journal restored", slog.Int("entries", n), slog.String("path", db.Path()))
	return nil
}

func (e *Engine[V]) checkpointLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var written uint64
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			seq := e.journal.Stats().LastSeq
			if seq == written {
				continue
			}
			if err := e.journal.Checkpoint(context.Background(), e.doc.Snapshot()); err != nil {
				e.logger.Warn("checkpoint failed", slog.String("error", err.Error()))
				continue
			}
			written = seq
		}
	}
}

// Doc returns the document name.
func (e *Engine[V]) Doc() string {
	return e.cfg.Doc
}

// Document returns the underlying store.
func (e *Engine[V]) Document() *crdt.Document {
	return e.doc
}

// Journal returns the durable journal, or nil when none is configured.
func (e *Engine[V]) Journal() *persist.Journal {
	return e.journal
}

// Current returns the materialized domain view. Repeated calls without an
// intervening change return the same value.
//
// The view is shared: callers must not mutate it. Scripts get their own
// copy from BeginScript.
func (e *Engine[V]) Current(ctx context.Context) (V, error) {
	return e.cache.Current(ctx)
}

// Snapshot returns a deep copy of the whole document.
func (e *Engine[V]) Snapshot() snapshot.Map {
	return e.doc.Snapshot()
}

// Observe registers fn for every committed or merged transaction.
func (e *Engine[V]) Observe(fn func(crdt.Event)) (unsubscribe func()) {
	return e.doc.ObserveDeep(fn)
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// Direct runs fn as one undoable transaction.
func (e *Engine[V]) Direct(ctx context.Context, description string, fn func(*crdt.Txn) error) (crdt.Commit, error) {
	return e.coord.Direct(ctx, description, fn)
}

// Group opens a group: every Do call until End or the capture timeout
// becomes one undo entry.
func (e *Engine[V]) Group(ctx context.Context, description string) (*transaction.Group, error) {
	return e.coord.BeginGroup(ctx, description)
}

// BeginScript opens a scripted transaction and returns a private copy of
// the domain view for the script to mutate.
//
// # Outputs
//
//   - V: A view built from a fresh snapshot. Not shared with Current.
//   - error: transaction.ErrTransactionActive if a transaction is open.
func (e *Engine[V]) BeginScript(ctx context.Context, description string) (V, error) {
	var zero V
	before, err := e.coord.BeginScripted(ctx, description)
	if err != nil {
		return zero, fmt.Errorf("begin script: %w", err)
	}
	v, err := e.model.FromSnapshot(before)
	if err != nil {
		if cerr := e.coord.CancelScripted(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return zero, fmt.Errorf("begin script: %w", err)
	}
	return v, nil
}

// EndScript reconciles the document with the script's view and closes the
// scripted transaction. Only the values that differ are written, in one
// undo entry.
//
// If v cannot be converted to a snapshot the transaction is cancelled and
// the document is left as it was.
func (e *Engine[V]) EndScript(ctx context.Context, v V) (delta.Result, error) {
	after, err := e.model.ToSnapshot(v)
	if err != nil {
		if cerr := e.coord.CancelScripted(ctx); cerr != nil {
			return delta.Result{}, fmt.Errorf("end script: %w", errors.Join(err, cerr))
		}
		return delta.Result{}, fmt.Errorf("end script: %w", err)
	}
	return e.coord.EndScripted(ctx, after)
}

// CancelScript discards the open scripted transaction.
func (e *Engine[V]) CancelScript(ctx context.Context) error {
	return e.coord.CancelScripted(ctx)
}

// InTransaction reports whether a logical transaction is open.
func (e *Engine[V]) InTransaction() bool {
	return e.coord.IsActive()
}

// -----------------------------------------------------------------------------
// Collaboration
// -----------------------------------------------------------------------------

// Attach starts replicating the document through t. If t also carries
// presence, the engine's awareness is attached to it.
func (e *Engine[V]) Attach(ctx context.Context, t collab.Transport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.bridge.Attach(ctx, t); err != nil {
		return err
	}
	if pt, ok := t.(collab.PresenceTransport); ok {
		e.detachPresence = e.awareness.Attach(ctx, pt)
	}
	return nil
}

// Detach stops replicating. Local editing continues.
func (e *Engine[V]) Detach() {
	e.mu.Lock()
	detach := e.detachPresence
	e.detachPresence = nil
	e.mu.Unlock()
	if detach != nil {
		detach()
	}
	e.bridge.Detach()
}

// Resync re-sends the whole operation log to the attached peers.
func (e *Engine[V]) Resync(ctx context.Context) error {
	return e.bridge.Resync(ctx)
}

// ConnectionState reports the attached transport's state.
func (e *Engine[V]) ConnectionState() collab.ConnectionState {
	return e.bridge.ConnectionState()
}

// Awareness returns the presence tracker of this replica.
func (e *Engine[V]) Awareness() *collab.Awareness {
	return e.awareness
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// SetCaptureTimeout changes the capture timeout of every undo history and
// of groups opened afterwards. Zero restores the default; negative
// disables merging.
func (e *Engine[V]) SetCaptureTimeout(d time.Duration) {
	e.mu.Lock()
	e.cfg.CaptureTimeout = d
	scoped := make([]*Scoped, 0, len(e.scoped))
	for s := range e.scoped {
		scoped = append(scoped, s)
	}
	e.mu.Unlock()

	e.history.SetCaptureTimeout(undoWindow(d))
	for _, s := range scoped {
		s.manager.SetCaptureTimeout(undoWindow(d))
	}
	e.coord.SetCaptureTimeout(d)
	e.logger.Info("capture timeout changed", slog.Duration("capture_timeout", d))
}

// WatchConfig applies capture timeout changes from the config file at
// path until ctx is cancelled. It blocks; run it in a goroutine.
func (e *Engine[V]) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(c config.Config) {
		d := captureFromFile(c.Engine.CaptureTimeout)
		e.mu.Lock()
		changed := d != e.cfg.CaptureTimeout
		e.mu.Unlock()
		if changed {
			e.SetCaptureTimeout(d)
		}
	}, e.cfg.Logger)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Close ends open transactions, stops replication, writes a final
// checkpoint and releases the store. Safe to call more than once.
func (e *Engine[V]) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	scoped := make([]*Scoped, 0, len(e.scoped))
	for s := range e.scoped {
		scoped = append(scoped, s)
	}
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()

	e.coord.Close(ctx)
	e.Detach()
	for _, s := range scoped {
		s.Close()
	}
	e.history.Close()
	e.cache.Close()

	var errs []error
	if e.journal != nil {
		if e.journal.Stats().LastSeq > 0 {
			if err := e.journal.Checkpoint(ctx, e.doc.Snapshot()); err != nil {
				errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
			}
		}
		e.unfollow()
		errs = append(errs, e.journal.Close(), e.db.Close())
	}
	e.doc.Close()
	e.logger.Info("engine closed")
	return errors.Join(errs...)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package undo implements selective, origin-scoped undo and redo on top of
// the document's change events.
//
// A Manager records the changes of local transactions whose origin it
// tracks and whose paths fall inside its scope. Undoing an entry reverts
// only the slots that still hold what the entry wrote, so edits made later
// by other peers are never rolled back.
package undo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Transaction meta keys used to route undo/redo events back to the manager
// that produced them.
const (
	MetaManager     = "undo.manager"
	MetaKind        = "undo.kind"
	MetaDescription = "undo.description"

	kindUndo = "undo"
	kindRedo = "redo"
)

// DefaultCaptureTimeout is the default coalescing window.
const DefaultCaptureTimeout = 500 * time.Millisecond

// DefaultMaxDepth bounds each stack unless configured otherwise.
const DefaultMaxDepth = 500

// Store is the part of the document store the manager needs.
type Store interface {
	Transact(ctx context.Context, origin, description string, fn func(*crdt.Txn) error) (crdt.Commit, error)
	ObserveDeep(fn func(crdt.Event)) func()
}

// Config configures a Manager.
type Config struct {
	// Name labels the manager in metrics and logs.
	// Default: the scope path, or "global".
	Name string

	// Scope restricts tracking to changes under this path.
	// Default: the whole document.
	Scope snapshot.Path

	// TrackedOrigins lists the transaction origins that create entries.
	// Default: crdt.OriginLocal and crdt.OriginScript.
	TrackedOrigins []string

	// CaptureTimeout is the window within which consecutive tracked
	// transactions merge into one entry. Default: 500ms. Negative disables
	// coalescing.
	CaptureTimeout time.Duration

	// MaxDepth bounds each stack; the oldest entries are dropped.
	// Default: DefaultMaxDepth.
	MaxDepth int

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for manager events. Default: slog.Default().
	Logger *slog.Logger
}

// Item is one undo or redo entry.
type Item struct {
	// Description is the label of the first transaction in the entry.
	Description string

	// Changes are the reversible changes, in application order.
	Changes []crdt.Change

	// Transactions is the number of transactions merged into the entry.
	Transactions int

	// Started and Updated bound the entry's capture time.
	Started time.Time
	Updated time.Time
}

// Manager maintains undo and redo stacks for one scope.
//
// # Thread Safety
//
// Safe for concurrent use. Undo and Redo run their own store transaction
// and must not be called from inside a transaction callback.
type Manager struct {
	id      string
	name    string
	store   Store
	scope   snapshot.Path
	tracked map[string]bool
	now     func() time.Time
	logger  *slog.Logger

	mu          sync.Mutex
	timeout     time.Duration
	maxDepth    int
	undo        []*Item
	redo        []*Item
	lastCapture time.Time
	stopped     bool
	grouping    int
	groupFresh  bool

	// aliases accumulates RevertResult.Restored across undo and redo so a
	// later entry still owns slots an earlier revert wrote back.
	aliases map[crdt.ID]crdt.ID

	unsubscribe func()
}

// New creates a manager and starts observing the store.
//
// # Inputs
//
//   - store: Document store to observe and revert through.
//   - cfg: Manager configuration. Zero value tracks the whole document.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager. Call Close to stop observing.
func New(store Store, cfg Config) *Manager {
	if cfg.CaptureTimeout == 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.TrackedOrigins) == 0 {
		cfg.TrackedOrigins = []string{crdt.OriginLocal, crdt.OriginScript}
	}
	if cfg.Name == "" {
		cfg.Name = "global"
		if len(cfg.Scope) > 0 {
			cfg.Name = cfg.Scope.String()
		}
	}
	tracked := make(map[string]bool, len(cfg.TrackedOrigins))
	for _, o := range cfg.TrackedOrigins {
		tracked[o] = true
	}

	m := &Manager{
		id:       uuid.NewString(),
		name:     cfg.Name,
		store:    store,
		scope:    append(snapshot.Path{}, cfg.Scope...),
		tracked:  tracked,
		now:      cfg.Now,
		timeout:  cfg.CaptureTimeout,
		maxDepth: cfg.MaxDepth,
		aliases:  make(map[crdt.ID]crdt.ID),
		logger: cfg.Logger.With(
			slog.String("component", "undo"),
			slog.String("manager", cfg.Name),
		),
	}
	m.unsubscribe = store.ObserveDeep(m.onEvent)
	return m
}

// Scope returns the path the manager is restricted to.
func (m *Manager) Scope() snapshot.Path {
	return append(snapshot.Path{}, m.scope...)
}

// onEvent records tracked changes and routes undo/redo results.
func (m *Manager) onEvent(ev crdt.Event) {
	if !ev.Local {
		return
	}
	if ev.Meta[MetaManager] == m.id {
		m.route(ev)
		return
	}
	if !m.tracked[ev.Origin] {
		return
	}
	changes := m.inScope(ev.Changes)
	if len(changes) == 0 {
		return
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.redo = nil
	top := m.top()
	switch {
	case m.grouping > 0 && !m.groupFresh && top != nil:
		top.merge(ev, changes, now)
	case m.grouping == 0 && !m.stopped && top != nil && m.timeout >= 0 && now.Sub(m.lastCapture) < m.timeout:
		top.merge(ev, changes, now)
	default:
		m.undo = pushBounded(m.undo, newItem(ev.Description, changes, now), m.maxDepth)
		m.groupFresh = false
	}
	m.lastCapture = now
	m.stopped = false
	m.publishDepth()
}

// route pushes the result of this manager's own undo/redo onto the
// opposite stack.
func (m *Manager) route(ev crdt.Event) {
	if len(ev.Changes) == 0 {
		return
	}
	item := newItem(ev.Meta[MetaDescription], ev.Changes, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Meta[MetaKind] {
	case kindUndo:
		m.redo = pushBounded(m.redo, item, m.maxDepth)
	case kindRedo:
		m.undo = pushBounded(m.undo, item, m.maxDepth)
	}
	m.stopped = true
	m.publishDepth()
}

func (m *Manager) inScope(changes []crdt.Change) []crdt.Change {
	if len(m.scope) == 0 {
		out := make([]crdt.Change, 0, len(changes))
		for _, c := range changes {
			if !c.Detached {
				out = append(out, c)
			}
		}
		return out
	}
	var out []crdt.Change
	for _, c := range changes {
		if c.Detached {
			continue
		}
		if c.LeafPath().HasPrefix(m.scope) {
			out = append(out, c)
		}
	}
	return out
}

// Undo reverts the most recent entry.
//
// # Description
//
// Runs a store transaction tagged crdt.OriginUndo that reverts the entry's
// changes whose slots still hold the entry's values. The resulting changes
// become a redo entry. If every change of the entry was overwritten since,
// the entry is consumed and Undo reports false.
//
// # Outputs
//
//   - bool: Whether anything was reverted.
//   - error: Store error; the entry is put back in that case.
func (m *Manager) Undo(ctx context.Context) (bool, error) {
	return m.apply(ctx, kindUndo)
}

// Redo reapplies the most recently undone entry.
func (m *Manager) Redo(ctx context.Context) (bool, error) {
	return m.apply(ctx, kindRedo)
}

func (m *Manager) apply(ctx context.Context, kind string) (bool, error) {
	m.mu.Lock()
	stack := &m.undo
	if kind == kindRedo {
		stack = &m.redo
	}
	if len(*stack) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	item := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	m.stopped = true
	m.publishDepth()
	aliases := make(map[crdt.ID]crdt.ID, len(m.aliases))
	for k, v := range m.aliases {
		aliases[k] = v
	}
	m.mu.Unlock()

	var res crdt.RevertResult
	_, err := m.store.Transact(ctx, crdt.OriginUndo, kind+": "+item.Description, func(tx *crdt.Txn) error {
		for k, v := range map[string]string{
			MetaManager:     m.id,
			MetaKind:        kind,
			MetaDescription: item.Description,
		} {
			if err := tx.SetMeta(k, v); err != nil {
				return err
			}
		}
		var err error
		res, err = tx.Revert(item.Changes, aliases)
		return err
	})
	if err != nil {
		m.mu.Lock()
		*stack = append(*stack, item)
		m.publishDepth()
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	for k, v := range res.Restored {
		m.aliases[k] = v
	}
	m.mu.Unlock()

	applyTotal.WithLabelValues(m.name, kind, outcome(res.Reverted)).Inc()
	if res.Reverted == 0 {
		m.logger.Debug("entry fully superseded",
			slog.String("kind", kind),
			slog.String("description", item.Description),
		)
		return false, nil
	}
	return true, nil
}

func outcome(reverted int) string {
	if reverted == 0 {
		return "superseded"
	}
	return "applied"
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// UndoDepth returns the number of undo entries.
func (m *Manager) UndoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo)
}

// RedoDepth returns the number of redo entries.
func (m *Manager) RedoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo)
}

// PeekUndo returns a copy of the next undo entry.
func (m *Manager) PeekUndo() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return peek(m.undo)
}

// PeekRedo returns a copy of the next redo entry.
func (m *Manager) PeekRedo() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return peek(m.redo)
}

// StopCapturing makes the next tracked transaction start a new entry even
// if it falls inside the capture window.
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// BeginGroup starts an explicit group: every tracked transaction until the
// matching EndGroup lands in one entry regardless of the capture window.
// Groups nest; only the outermost pair matters.
func (m *Manager) BeginGroup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grouping == 0 {
		m.groupFresh = true
	}
	m.grouping++
}

// EndGroup closes a group opened by BeginGroup.
func (m *Manager) EndGroup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grouping == 0 {
		return
	}
	m.grouping--
	if m.grouping == 0 {
		m.groupFresh = false
		m.stopped = true
	}
}

// SetCaptureTimeout changes the coalescing window for future captures.
func (m *Manager) SetCaptureTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = nil
	m.redo = nil
	m.aliases = make(map[crdt.ID]crdt.ID)
	m.stopped = true
	m.publishDepth()
}

// Close stops observing the store.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func newItem(description string, changes []crdt.Change, now time.Time) *Item {
	return &Item{
		Description:  description,
		Changes:      append([]crdt.Change(nil), changes...),
		Transactions: 1,
		Started:      now,
		Updated:      now,
	}
}

func (it *Item) merge(ev crdt.Event, changes []crdt.Change, now time.Time) {
	it.Changes = append(it.Changes, changes...)
	it.Transactions++
	it.Updated = now
	if it.Description == "" {
		it.Description = ev.Description
	}
}

func (m *Manager) top() *Item {
	if len(m.undo) == 0 {
		return nil
	}
	return m.undo[len(m.undo)-1]
}

func pushBounded(stack []*Item, it *Item, limit int) []*Item {
	stack = append(stack, it)
	if over := len(stack) - limit; over > 0 {
		stack = append(stack[:0:0], stack[over:]...)
	}
	return stack
}

func peek(stack []*Item) (Item, bool) {
	if len(stack) == 0 {
		return Item{}, false
	}
	it := *stack[len(stack)-1]
	it.Changes = append([]crdt.Change(nil), it.Changes...)
	return it, true
}

func (m *Manager) publishDepth() {
	stackDepth.WithLabelValues(m.name, kindUndo).Set(float64(len(m.undo)))
	stackDepth.WithLabelValues(m.name, kindRedo).Set(float64(len(m.redo)))
}

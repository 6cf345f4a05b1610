// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Config configures a Document.
type Config struct {
	// Actor names this replica. Must be unique among peers.
	// Default: a random UUID.
	Actor string

	// Logger for document operations.
	// Default: slog.Default().
	Logger *slog.Logger
}

// Event is delivered to deep observers once per transaction.
type Event struct {
	// TxID uniquely identifies the transaction.
	TxID string

	// Origin is the tag passed to Transact, or to Merge for remote batches.
	Origin string

	// Description is the human-readable label of a local transaction.
	Description string

	// Local is true for transactions run on this replica.
	Local bool

	// Ops are all operations integrated by the transaction, including ops
	// that lost a conflict and changed nothing.
	Ops []Operation

	// Changes are the visible effects, in application order.
	Changes []Change

	// Meta carries key/value annotations set through Txn.SetMeta.
	Meta map[string]string
}

// Paths returns the distinct leaf paths touched by the event, skipping
// changes to detached containers.
func (e Event) Paths() []snapshot.Path {
	seen := make(map[string]struct{}, len(e.Changes))
	out := make([]snapshot.Path, 0, len(e.Changes))
	for _, c := range e.Changes {
		if c.Detached {
			continue
		}
		p := c.LeafPath()
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Commit is the result of a successful Transact.
type Commit struct {
	TxID        string
	Origin      string
	Description string
	Ops         []Operation
	Changes     []Change
}

// Empty reports whether the transaction produced no operations.
func (c Commit) Empty() bool {
	return len(c.Ops) == 0
}

type observer struct {
	id uint64
	fn func(Event)
}

type inbound struct {
	ops    []Operation
	origin string
}

// Document is a replicated JSON-like tree.
//
// # Thread Safety
//
// Safe for concurrent use. A transaction callback runs with the document
// locked: it must use the Txn for reads and must not call Transact,
// Snapshot or other locking methods on the same document.
type Document struct {
	mu      sync.Mutex
	actor   string
	clock   uint64
	root    *node
	nodes   map[ID]*node
	seen    map[ID]struct{}
	log     []Operation
	pending []Operation
	pendSet map[ID]struct{}

	inboxMu sync.Mutex
	inbox   []inbound

	obsMu     sync.RWMutex
	observers []observer
	nextObs   uint64

	outMu     sync.Mutex
	outbox    []Event
	deliverMu sync.Mutex

	closed atomic.Bool
	logger *slog.Logger
}

// New creates an empty document.
//
// # Inputs
//
//   - cfg: Document configuration. Zero value is valid.
//
// # Outputs
//
//   - *Document: Ready-to-use document containing an empty root map.
func New(cfg Config) *Document {
	if cfg.Actor == "" {
		cfg.Actor = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root := newNode(RootID, nodeMap)
	return &Document{
		actor:   cfg.Actor,
		root:    root,
		nodes:   map[ID]*node{RootID: root},
		seen:    make(map[ID]struct{}),
		pendSet: make(map[ID]struct{}),
		logger: cfg.Logger.With(
			slog.String("component", "crdt"),
			slog.String("actor", cfg.Actor),
		),
	}
}

// Actor returns the replica's actor name.
func (d *Document) Actor() string {
	return d.actor
}

// Clock returns the current Lamport clock.
func (d *Document) Clock() uint64 {
	d.mu.Lock()
	defer d.unlock()
	return d.clock
}

// Transact runs fn with exclusive mutation access.
//
// # Description
//
// Every operation produced through the Txn is integrated immediately (fn
// can read its own writes) and tagged with origin. If fn returns an error
// or panics, all of them are rolled back, the clock is restored and no
// event is emitted. A transaction that produces no operations emits no
// event either. Remote batches received meanwhile are applied after the
// transaction resolves.
//
// # Inputs
//
//   - ctx: Context for tracing and cancellation. Checked before locking.
//   - origin: Tag carried by the event and every operation.
//   - description: Human-readable label.
//   - fn: Mutation callback. The Txn becomes unusable when fn returns.
//
// # Outputs
//
//   - Commit: The integrated operations and their changes.
//   - error: fn's error, ErrTransactionPanicked, ErrDocumentClosed or a
//     context error.
func (d *Document) Transact(ctx context.Context, origin, description string, fn func(*Txn) error) (Commit, error) {
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}
	if d.closed.Load() {
		return Commit{}, ErrDocumentClosed
	}

	ctx, span := tracer.Start(ctx, "crdt.Transact",
		trace.WithAttributes(
			attribute.String("crdt.origin", origin),
			attribute.String("crdt.description", description),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	d.mu.Lock()

	txn := &Txn{
		doc:         d,
		origin:      origin,
		description: description,
	}
	clockMark, logMark := d.clock, len(d.log)

	err := runTxn(txn, fn)
	txn.closed.Store(true)

	if err != nil {
		txn.rb.run()
		for _, op := range d.log[logMark:] {
			delete(d.seen, op.ID)
		}
		d.log = d.log[:logMark]
		d.clock = clockMark
		d.unlock()

		recordTransaction(ctx, "rolled_back", 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.DebugContext(ctx, "transaction rolled back",
			slog.String("origin", origin),
			slog.String("description", description),
			slog.String("error", err.Error()),
		)
		return Commit{}, err
	}

	commit := Commit{
		Origin:      origin,
		Description: description,
		Ops:         txn.ops,
		Changes:     txn.changes,
	}
	if len(txn.ops) > 0 {
		commit.TxID = uuid.NewString()
		d.enqueueLocked(Event{
			TxID:        commit.TxID,
			Origin:      origin,
			Description: description,
			Local:       true,
			Ops:         txn.ops,
			Changes:     txn.changes,
			Meta:        txn.meta,
		})
	}
	d.unlock()

	recordTransaction(ctx, "committed", len(commit.Ops), time.Since(start))
	span.SetAttributes(attribute.Int("crdt.ops", len(commit.Ops)))
	span.SetStatus(codes.Ok, "")
	return commit, nil
}

func runTxn(txn *Txn, fn func(*Txn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTransactionPanicked, r)
		}
	}()
	return fn(txn)
}

// Merge integrates operations received from a peer.
//
// # Description
//
// Merge is total: malformed operations are skipped with a warning, known
// operations are ignored and operations whose dependencies are missing are
// buffered until those arrive. The batch is applied as one remote
// transaction and produces at most one event.
//
// If the document is locked (for example by a transaction in progress) the
// batch is queued and applied by the lock holder when it releases the lock,
// and Merge returns immediately.
//
// # Inputs
//
//   - ctx: Context. Checked before queuing.
//   - ops: Operations to integrate.
//   - origin: Tag for the resulting event, typically OriginRemote or a peer name.
//
// # Outputs
//
//   - error: ErrDocumentClosed or a context error. Never an operation error.
func (d *Document) Merge(ctx context.Context, ops []Operation, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrDocumentClosed
	}
	if len(ops) == 0 {
		return nil
	}

	valid := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			d.logger.Warn("skipping malformed remote operation",
				slog.String("origin", origin),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, op)
	}
	if len(valid) == 0 {
		return nil
	}

	d.inboxMu.Lock()
	d.inbox = append(d.inbox, inbound{ops: valid, origin: origin})
	d.inboxMu.Unlock()

	if d.mu.TryLock() {
		d.unlock()
	}
	return nil
}

// unlock drains queued remote batches, releases d.mu and delivers events.
//
// A Merge that fails to take the lock relies on the current holder to pick
// up its batch, so the inbox is re-checked after every release.
func (d *Document) unlock() {
	for {
		d.drainInboxLocked()
		d.mu.Unlock()
		if !d.inboxPending() || !d.mu.TryLock() {
			break
		}
	}
	d.deliver()
}

func (d *Document) inboxPending() bool {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	return len(d.inbox) > 0
}

func (d *Document) drainInboxLocked() {
	for {
		d.inboxMu.Lock()
		if len(d.inbox) == 0 {
			d.inboxMu.Unlock()
			return
		}
		batch := d.inbox[0]
		d.inbox[0] = inbound{}
		d.inbox = d.inbox[1:]
		d.inboxMu.Unlock()

		d.mergeLocked(batch.ops, batch.origin)
	}
}

// mergeLocked integrates a remote batch. Caller must hold d.mu.
func (d *Document) mergeLocked(ops []Operation, origin string) {
	var (
		applied []Operation
		changes []Change
	)
	apply := func(op Operation) {
		ch, changed := d.integrate(op, nil)
		d.seen[op.ID] = struct{}{}
		d.log = append(d.log, op)
		applied = append(applied, op)
		if changed {
			changes = append(changes, ch)
		}
	}

	pendingBefore := len(d.pending)
	for _, op := range ops {
		if _, ok := d.seen[op.ID]; ok {
			continue
		}
		if op.ID.Clock > d.clock {
			d.clock = op.ID.Clock
		}
		if !d.ready(op) {
			if _, ok := d.pendSet[op.ID]; !ok {
				d.pendSet[op.ID] = struct{}{}
				d.pending = append(d.pending, op)
			}
			continue
		}
		apply(op)
	}

	for progress := len(d.pending) > 0; progress; {
		progress = false
		sort.Slice(d.pending, func(i, j int) bool { return d.pending[i].ID.Less(d.pending[j].ID) })
		rest := make([]Operation, 0, len(d.pending))
		for _, op := range d.pending {
			if _, ok := d.seen[op.ID]; ok {
				delete(d.pendSet, op.ID)
				continue
			}
			if d.ready(op) {
				delete(d.pendSet, op.ID)
				apply(op)
				progress = true
				continue
			}
			rest = append(rest, op)
		}
		d.pending = rest
	}
	recordPending(context.Background(), len(d.pending)-pendingBefore)

	if len(applied) == 0 {
		return
	}
	recordMerge(context.Background(), len(applied))
	d.enqueueLocked(Event{
		TxID:    uuid.NewString(),
		Origin:  origin,
		Local:   false,
		Ops:     applied,
		Changes: changes,
	})
}

// ObserveDeep registers fn to receive one Event per transaction.
//
// # Description
//
// Events are delivered outside the document lock, one at a time, in commit
// order. A panicking observer is logged and does not affect others.
//
// # Outputs
//
//   - func(): Unsubscribe function. Safe to call more than once.
func (d *Document) ObserveDeep(fn func(Event)) func() {
	d.obsMu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			defer d.obsMu.Unlock()
			for i, o := range d.observers {
				if o.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// enqueueLocked appends an event to the outbox. Called with d.mu held so
// outbox order equals commit order.
func (d *Document) enqueueLocked(ev Event) {
	d.outMu.Lock()
	d.outbox = append(d.outbox, ev)
	d.outMu.Unlock()
}

func (d *Document) popEvent() (Event, bool) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if len(d.outbox) == 0 {
		return Event{}, false
	}
	ev := d.outbox[0]
	d.outbox[0] = Event{}
	d.outbox = d.outbox[1:]
	return ev, true
}

func (d *Document) outboxPending() bool {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	return len(d.outbox) > 0
}

// deliver drains the outbox. Only one goroutine delivers at a time; events
// queued while another goroutine is delivering (including by its observers)
// are picked up by that goroutine.
func (d *Document) deliver() {
	for {
		if !d.deliverMu.TryLock() {
			return
		}
		for {
			ev, ok := d.popEvent()
			if !ok {
				break
			}
			d.notify(ev)
		}
		d.deliverMu.Unlock()
		if !d.outboxPending() {
			return
		}
	}
}

func (d *Document) notify(ev Event) {
	d.obsMu.RLock()
	obs := make([]observer, len(d.observers))
	copy(obs, d.observers)
	d.obsMu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("observer panicked",
						slog.String("tx_id", ev.TxID),
						slog.Any("panic", r),
					)
				}
			}()
			o.fn(ev)
		}()
	}
}

// Snapshot returns a deep copy of the whole document.
func (d *Document) Snapshot() snapshot.Map {
	d.mu.Lock()
	defer d.unlock()
	return d.root.snapshot().(snapshot.Map)
}

// SnapshotAt returns a deep copy of the value at path.
func (d *Document) SnapshotAt(path snapshot.Path) (snapshot.Value, bool) {
	d.mu.Lock()
	defer d.unlock()
	return d.valueAt(path)
}

// valueAt resolves path against the live tree. Caller must hold d.mu.
func (d *Document) valueAt(path snapshot.Path) (snapshot.Value, bool) {
	if len(path) == 0 {
		return d.root.snapshot(), true
	}
	parent, err := d.resolve(path.Parent())
	if err != nil {
		return nil, false
	}
	switch seg := path.Last().(type) {
	case string:
		if parent.kind != nodeMap {
			return nil, false
		}
		e, ok := parent.entries[seg]
		if !ok || e.deleted {
			return nil, false
		}
		return e.val.snapshot(), true
	case int:
		if parent.kind != nodeList {
			return nil, false
		}
		el := parent.liveElem(seg)
		if el == nil {
			return nil, false
		}
		return el.val.snapshot(), true
	}
	return nil, false
}

// resolve walks path to a container node. Caller must hold d.mu.
func (d *Document) resolve(path snapshot.Path) (*node, error) {
	cur := d.root
	for i, seg := range path {
		var v value
		switch s := seg.(type) {
		case string:
			if cur.kind != nodeMap {
				return nil, fmt.Errorf("%w: %s", ErrNotContainer, path[:i+1])
			}
			e, ok := cur.entries[s]
			if !ok || e.deleted {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path[:i+1])
			}
			v = e.val
		case int:
			if cur.kind != nodeList {
				return nil, fmt.Errorf("%w: %s", ErrNotContainer, path[:i+1])
			}
			el := cur.liveElem(s)
			if el == nil {
				return nil, fmt.Errorf("%w: %s", ErrIndexOutOfRange, path[:i+1])
			}
			v = el.val
		default:
			return nil, fmt.Errorf("%w: segment %v", ErrPathNotFound, seg)
		}
		if v.child == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotContainer, path[:i+1])
		}
		cur = v.child
	}
	return cur, nil
}

// Operations returns a copy of every integrated operation, in integration
// order. Merging the result into any replica reproduces this document.
func (d *Document) Operations() []Operation {
	d.mu.Lock()
	defer d.unlock()
	out := make([]Operation, len(d.log))
	copy(out, d.log)
	return out
}

// Pending returns the number of remote operations waiting for dependencies.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.unlock()
	return len(d.pending)
}

// Close rejects further transactions and merges and drops all observers.
func (d *Document) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.obsMu.Lock()
	d.observers = nil
	d.obsMu.Unlock()
}

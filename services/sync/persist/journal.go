// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/storage/badger"
)

var tracer = otel.Tracer("glyphsync.persist")

// Config configures a Journal.
type Config struct {
	// Doc scopes the journal keys. Required.
	Doc string

	// SkipCorrupted continues replay past entries that fail their
	// checksum. Default: false (fail fast).
	SkipCorrupted bool

	// Logger for journal operations.
	// Default: slog.Default().
	Logger *slog.Logger
}

// Stats summarizes journal activity since open.
type Stats struct {
	LastSeq        uint64
	Appended       int64
	Bytes          int64
	CorruptedCount int64
	LastCheckpoint time.Time
}

// Journal is the durable operation log of one document.
//
// # Thread Safety
//
// Safe for concurrent use. Appends are serialized so sequence numbers
// follow commit order.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	closed atomic.Bool

	appended       atomic.Int64
	bytes          atomic.Int64
	corrupted      atomic.Int64
	lastCheckpoint atomic.Int64

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewJournal opens the journal of cfg.Doc on db.
//
// # Description
//
// Scans for the highest existing sequence number so appends continue
// after entries written by earlier processes.
//
// # Inputs
//
//   - db: Open store. Not closed by the journal.
//   - cfg: Journal configuration. Doc is required.
//
// # Outputs
//
//   - *Journal: Ready to append.
//   - error: Non-nil if cfg is invalid or the store cannot be read.
func NewJournal(db *badger.DB, cfg Config) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: store is required")
	}
	if cfg.Doc == "" {
		return nil, errors.New("journal: doc must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("journal: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("journal: zstd decoder: %w", err)
	}
	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "journal"), slog.String("doc", cfg.Doc)),
		enc:    enc,
		dec:    dec,
	}

	last, err := db.LastKey(context.Background(), j.opsPrefix())
	if err != nil {
		j.release()
		return nil, fmt.Errorf("journal: scan sequence: %w", err)
	}
	if last != nil {
		seq, err := strconv.ParseUint(string(last[len(j.opsPrefix()):]), 10, 64)
		if err != nil {
			j.release()
			return nil, fmt.Errorf("%w: key %q", ErrCorrupted, last)
		}
		j.seq = seq
	}
	j.logger.Debug("journal opened", slog.Uint64("last_seq", j.seq))
	return j, nil
}

func (j *Journal) opsPrefix() []byte {
	return []byte("ops:" + j.cfg.Doc + ":")
}

func (j *Journal) opsKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("ops:%s:%016d", j.cfg.Doc, seq))
}

func (j *Journal) checkpointKey() []byte {
	return []byte("checkpoint:" + j.cfg.Doc)
}

func encodeEntry(ops []crdt.Operation) ([]byte, error) {
	data, err := crdt.EncodeOperations(ops)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out, nil
}

func decodeEntry(raw []byte) ([]crdt.Operation, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(raw[:4])
	if computed := crc32.ChecksumIEEE(raw[4:]); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	ops, err := crdt.DecodeOperations(raw[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return ops, nil
}

// Append writes ops as one entry. Empty batches are ignored.
func (j *Journal) Append(ctx context.Context, ops []crdt.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}
	if len(ops) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("doc", j.cfg.Doc),
			attribute.Int("ops", len(ops)),
		),
	)
	defer span.End()

	data, err := encodeEntry(ops)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.seq + 1
	if err := j.db.Set(ctx, j.opsKey(seq), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write entry: %w", err)
	}
	j.seq = seq
	j.appended.Add(1)
	j.bytes.Add(int64(len(data)))
	span.SetAttributes(attribute.Int64("seq", int64(seq)))
	return nil
}

// Replay calls fn with every logged batch in append order.
//
// # Description
//
// A corrupted entry stops replay with ErrCorrupted, or is logged and
// skipped when Config.SkipCorrupted is set.
//
// # Outputs
//
//   - int: Number of batches passed to fn.
//   - error: First error from fn, the store, or a corrupted entry.
func (j *Journal) Replay(ctx context.Context, fn func(ops []crdt.Operation) error) (int, error) {
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}
	ctx, span := tracer.Start(ctx, "journal.Replay", trace.WithAttributes(attribute.String("doc", j.cfg.Doc)))
	defer span.End()

	prefix := j.opsPrefix()
	n := 0
	err := j.db.Scan(ctx, prefix, func(key, val []byte) error {
		ops, err := decodeEntry(val)
		if err != nil {
			j.corrupted.Add(1)
			if !j.cfg.SkipCorrupted {
				return fmt.Errorf("entry %s: %w", key[len(prefix):], err)
			}
			j.logger.Warn("skipping corrupted entry",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		n++
		return fn(ops)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
	}
	span.SetAttributes(attribute.Int("batches", n))
	return n, err
}

// Restore merges the whole log into doc with OriginJournal.
func (j *Journal) Restore(ctx context.Context, doc *crdt.Document) (int, error) {
	ops := 0
	_, err := j.Replay(ctx, func(batch []crdt.Operation) error {
		ops += len(batch)
		return doc.Merge(ctx, batch, OriginJournal)
	})
	if err != nil {
		return ops, fmt.Errorf("restore: %w", err)
	}
	j.logger.Info("journal restored", slog.Int("ops", ops), slog.Int("pending", doc.Pending()))
	return ops, nil
}

// Follow appends every batch doc integrates from now on, except batches
// restored from the journal itself.
//
// # Outputs
//
//   - func(): Stops following.
func (j *Journal) Follow(doc *crdt.Document) func() {
	return doc.ObserveDeep(func(ev crdt.Event) {
		if ev.Origin == OriginJournal || len(ev.Ops) == 0 {
			return
		}
		if err := j.Append(context.Background(), ev.Ops); err != nil && !errors.Is(err, ErrJournalClosed) {
			j.logger.Error("journal append failed",
				slog.String("tx_id", ev.TxID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Checkpoint stores a compressed copy of snap tagged with the current
// sequence number, replacing any earlier checkpoint.
func (j *Journal) Checkpoint(ctx context.Context, snap snapshot.Map) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	ctx, span := tracer.Start(ctx, "journal.Checkpoint", trace.WithAttributes(attribute.String("doc", j.cfg.Doc)))
	defer span.End()

	data, err := snapshot.Encode(snap)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("checkpoint: %w", err)
	}

	j.mu.Lock()
	seq := j.seq
	j.mu.Unlock()

	out := make([]byte, 8, 8+len(data)/2)
	binary.BigEndian.PutUint64(out, seq)
	out = j.enc.EncodeAll(data, out)
	if err := j.db.Set(ctx, j.checkpointKey(), out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("checkpoint: %w", err)
	}
	j.lastCheckpoint.Store(time.Now().UnixNano())
	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.Int("raw_bytes", len(data)),
		attribute.Int("stored_bytes", len(out)),
	)
	j.logger.Info("checkpoint written",
		slog.Uint64("seq", seq),
		slog.Int("raw_bytes", len(data)),
		slog.Int("stored_bytes", len(out)),
	)
	return nil
}

// LoadCheckpoint returns the latest checkpoint and the sequence number it
// was taken at.
func (j *Journal) LoadCheckpoint(ctx context.Context) (snapshot.Map, uint64, error) {
	if j.closed.Load() {
		return nil, 0, ErrJournalClosed
	}
	raw, err := j.db.Get(ctx, j.checkpointKey())
	if errors.Is(err, badger.ErrNotFound) {
		return nil, 0, ErrNoCheckpoint
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("%w: checkpoint too short", ErrCorrupted)
	}
	seq := binary.BigEndian.Uint64(raw[:8])
	data, err := j.dec.DecodeAll(raw[8:], nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: checkpoint: %v", ErrCorrupted, err)
	}
	snap, err := snapshot.DecodeMap(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: checkpoint: %v", ErrCorrupted, err)
	}
	return snap, seq, nil
}

// Stats returns journal counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	seq := j.seq
	j.mu.Unlock()
	var last time.Time
	if ns := j.lastCheckpoint.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		LastSeq:        seq,
		Appended:       j.appended.Load(),
		Bytes:          j.bytes.Load(),
		CorruptedCount: j.corrupted.Load(),
		LastCheckpoint: last,
	}
}

// Close releases the codecs. The store stays open. Safe to call twice.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.release()
	return j.db.Sync()
}

func (j *Journal) release() {
	j.enc.Close()
	j.dec.Close()
}

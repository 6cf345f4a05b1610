// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB store that backs the local
// operation journal and checkpoints.
//
// Keys are plain byte strings grouped by prefix; callers own the layout.
// The package adds lifecycle management (value log GC), context-aware
// transaction helpers and ordered prefix scans on top of badger.DB.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Config holds configuration for a store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. The journal needs it for durability.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is an open store.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	db       *badger.DB
	inMemory bool
	path     string
	logger   *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the store described by cfg.
//
// # Description
//
// Creates the directory when needed and starts the GC loop when
// GCInterval is positive and the store is on disk.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *DB: The store. Caller must Close it.
//   - error: Non-nil if the path is missing or badger fails to open.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &DB{
		db:       db,
		inMemory: cfg.InMemory,
		path:     cfg.Path,
		logger:   logger.With(slog.String("component", "store")),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, ratio)
	}
	return d, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect.
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Path returns the store directory, empty for in-memory stores.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the store lives in RAM only.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Update runs fn in a read-write transaction and commits when fn
// returns nil.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Get returns a copy of the value stored at key.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Set stores val at key.
func (d *DB) Set(ctx context.Context, key, val []byte) error {
	return d.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Scan calls fn for every key with prefix in ascending key order.
//
// # Description
//
// The key and value slices are only valid during the call. Scan stops at
// the first error returned by fn or when ctx is cancelled.
func (d *DB) Scan(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	return d.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastKey returns a copy of the greatest key with prefix.
//
// # Outputs
//
//   - []byte: The key, nil when none exists.
//   - error: Non-nil if the read fails.
func (d *DB) LastKey(ctx context.Context, prefix []byte) ([]byte, error) {
	var last []byte
	err := d.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			last = it.Item().KeyCopy(nil)
		}
		return nil
	})
	return last, err
}

// DropPrefix deletes every key with prefix.
func (d *DB) DropPrefix(prefix []byte) error {
	return d.db.DropPrefix(prefix)
}

// Sync flushes pending writes to disk. No-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.db.Sync()
}

// Close stops GC and closes the store.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.db.Close()
}

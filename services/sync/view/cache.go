// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package view caches the rich object graph materialized from a document.
//
// The cache is lazy: deep-change events only bump a generation counter, and
// the next read rebuilds from a fresh snapshot. Any number of mutations
// between two reads cost one rebuild, and concurrent readers of a stale
// cache share that rebuild.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// Source is the part of the document store the cache reads from.
type Source interface {
	Snapshot() snapshot.Map
	ObserveDeep(fn func(crdt.Event)) func()
}

// BuildFunc materializes a view from a snapshot. It must not retain or
// mutate the snapshot's composites outside the returned view.
type BuildFunc[V any] func(ctx context.Context, snap snapshot.Map) (V, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Builds     int64
	Errors     int64
	Generation uint64
}

// Cache holds the last built view and rebuilds it on demand.
//
// Thread Safety:
//
//	Safe for concurrent use. Rebuilds are de-duplicated with singleflight.
type Cache[V any] struct {
	name   string
	src    Source
	build  BuildFunc[V]
	logger *slog.Logger

	generation atomic.Uint64

	mu       sync.RWMutex
	view     V
	builtGen uint64
	valid    bool

	flight      singleflight.Group
	unsubscribe func()

	hits   atomic.Int64
	misses atomic.Int64
	builds atomic.Int64
	errors atomic.Int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName labels the cache in metrics and logs. Default: "default".
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a cache over src and subscribes to its deep changes.
// Call Close to unsubscribe.
func New[V any](src Source, build BuildFunc[V], opts ...Option) *Cache[V] {
	o := options{name: "default", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		name:   o.name,
		src:    src,
		build:  build,
		logger: o.logger.With(slog.String("component", "view"), slog.String("cache", o.name)),
	}
	// Generation starts at 1 so a fresh cache is never considered built.
	c.generation.Store(1)
	c.unsubscribe = src.ObserveDeep(func(crdt.Event) {
		c.Invalidate()
	})
	return c
}

// Current returns the materialized view.
//
// # Description
//
// Returns the cached view when no deep change happened since it was built;
// the same value (same reference for pointer views) is returned on every
// such call. Otherwise rebuilds from a fresh snapshot. Concurrent callers
// share one rebuild.
//
// # Inputs
//
//   - ctx: Passed to the build function.
//
// # Outputs
//
//   - V: The view.
//   - error: The build error, if the rebuild failed. The stale view is
//     discarded in that case.
func (c *Cache[V]) Current(ctx context.Context) (V, error) {
	if v, ok := c.cached(c.generation.Load()); ok {
		c.hits.Add(1)
		cacheRequests.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}
	c.misses.Add(1)
	cacheRequests.WithLabelValues(c.name, "miss").Inc()

	res, err, _ := c.flight.Do("view", func() (any, error) {
		gen := c.generation.Load()
		if v, ok := c.cached(gen); ok {
			return v, nil
		}
		start := time.Now()
		v, err := c.build(ctx, c.src.Snapshot())
		buildDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		if err != nil {
			c.errors.Add(1)
			buildErrors.WithLabelValues(c.name).Inc()
			c.mu.Lock()
			c.valid = false
			c.mu.Unlock()
			return nil, err
		}
		c.builds.Add(1)

		c.mu.Lock()
		c.view = v
		c.builtGen = gen
		c.valid = true
		c.mu.Unlock()

		c.logger.Debug("view rebuilt",
			slog.Uint64("generation", gen),
			slog.Duration("duration", time.Since(start)),
		)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, fmt.Errorf("build view %q: %w", c.name, err)
	}
	return res.(V), nil
}

func (c *Cache[V]) cached(gen uint64) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.valid && c.builtGen == gen {
		return c.view, true
	}
	var zero V
	return zero, false
}

// Invalidate marks the cached view stale. The next Current rebuilds.
func (c *Cache[V]) Invalidate() {
	c.generation.Add(1)
}

// Generation returns the current change generation.
func (c *Cache[V]) Generation() uint64 {
	return c.generation.Load()
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Builds:     c.builds.Load(),
		Errors:     c.errors.Load(),
		Generation: c.generation.Load(),
	}
}

// Close unsubscribes from the document.
func (c *Cache[V]) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

// AwarenessConfig configures presence tracking.
type AwarenessConfig struct {
	// Interval is the minimum spacing of outgoing presence updates.
	// Updates inside the interval are coalesced into one trailing send.
	// Default: 100ms.
	Interval time.Duration

	// TTL drops peers not heard from for this long. Default: 30s.
	TTL time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger for presence events. Default: slog.Default().
	Logger *slog.Logger
}

// Awareness tracks ephemeral per-peer presence.
//
// Presence never touches the document: it is not merged, persisted or
// recorded in undo history.
//
// # Thread Safety
//
// Safe for concurrent use.
type Awareness struct {
	actor    string
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu        sync.Mutex
	local     map[string]any
	peers     map[string]Presence
	transport PresenceTransport
	unsub     func()
	trailing  *time.Timer
	observers map[int]func(Presence)
	nextObs   int
}

// NewAwareness creates presence tracking for actor.
func NewAwareness(actor string, cfg AwarenessConfig) *Awareness {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Awareness{
		actor:    actor,
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		logger: cfg.Logger.With(
			slog.String("component", "collab.Awareness"),
			slog.String("actor", actor),
		),
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		peers:     make(map[string]Presence),
		observers: make(map[int]func(Presence)),
	}
}

// Attach starts exchanging presence through t. The current local state is
// announced immediately.
func (a *Awareness) Attach(ctx context.Context, t PresenceTransport) (detach func()) {
	unsub := t.OnPresence(a.receive)
	a.mu.Lock()
	if a.unsub != nil {
		a.unsub()
	}
	a.transport = t
	a.unsub = unsub
	announce := a.local != nil
	p := a.localPresenceLocked()
	a.mu.Unlock()

	if announce {
		a.send(ctx, t, p)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.transport == t {
				a.unsub()
				a.transport = nil
				a.unsub = nil
			}
		})
	}
}

// SetLocal replaces this peer's presence state.
//
// # Description
//
// The state is normalized like document values. Sends are rate limited to
// one per Interval; an update inside the interval is held back and the
// latest state goes out when the interval ends.
//
// # Outputs
//
//   - error: snapshot.ErrUnsupportedType for values that cannot be carried.
func (a *Awareness) SetLocal(ctx context.Context, state map[string]any) error {
	v, err := snapshot.Normalize(snapshot.Map(state))
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}

	a.mu.Lock()
	a.local, _ = v.(snapshot.Map)
	t := a.transport
	if t == nil {
		a.mu.Unlock()
		return nil
	}
	if !a.limiter.Allow() {
		if a.trailing == nil {
			a.trailing = time.AfterFunc(a.interval, a.flushTrailing)
		}
		a.mu.Unlock()
		presenceTotal.WithLabelValues("out", "coalesced").Inc()
		return nil
	}
	p := a.localPresenceLocked()
	a.mu.Unlock()

	a.send(ctx, t, p)
	return nil
}

// Local returns a copy of this peer's presence state.
func (a *Awareness) Local() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot.CloneMap(a.local)
}

// Peers returns the live presence of other peers keyed by actor.
func (a *Awareness) Peers() map[string]Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make(map[string]Presence, len(a.peers))
	for actor, p := range a.peers {
		if now.Sub(p.Updated) > a.ttl {
			delete(a.peers, actor)
			continue
		}
		p.State = snapshot.CloneMap(p.State)
		out[actor] = p
	}
	return out
}

// Observe registers fn for presence changes of other peers, including
// departures (Presence.Gone).
func (a *Awareness) Observe(fn func(Presence)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// Leave announces that this peer is gone and clears the local state.
func (a *Awareness) Leave(ctx context.Context) error {
	a.mu.Lock()
	a.local = nil
	if a.trailing != nil {
		a.trailing.Stop()
		a.trailing = nil
	}
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.SendPresence(ctx, Presence{Actor: a.actor, Updated: a.now(), Gone: true})
}

func (a *Awareness) localPresenceLocked() Presence {
	return Presence{Actor: a.actor, State: snapshot.CloneMap(a.local), Updated: a.now()}
}

func (a *Awareness) flushTrailing() {
	a.mu.Lock()
	a.trailing = nil
	t := a.transport
	p := a.localPresenceLocked()
	a.mu.Unlock()
	if t != nil {
		a.send(context.Background(), t, p)
	}
}

func (a *Awareness) send(ctx context.Context, t PresenceTransport, p Presence) {
	if err := t.SendPresence(ctx, p); err != nil {
		presenceTotal.WithLabelValues("out", "error").Inc()
		a.logger.Debug("presence send failed", slog.String("error", err.Error()))
		return
	}
	presenceTotal.WithLabelValues("out", "sent").Inc()
}

func (a *Awareness) receive(p Presence) {
	if p.Actor == "" || p.Actor == a.actor {
		return
	}
	presenceTotal.WithLabelValues("in", "received").Inc()

	a.mu.Lock()
	if p.Gone {
		delete(a.peers, p.Actor)
	} else {
		p.Updated = a.now()
		p.State = snapshot.CloneMap(p.State)
		a.peers[p.Actor] = p
	}
	observers := make([]func(Presence), 0, len(a.observers))
	for _, fn := range a.observers {
		observers = append(observers, fn)
	}
	a.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsock is a websocket client transport that talks to a relay.
//
// The client keeps one connection per document open, reconnecting with
// exponential backoff. Every reconnect is reported as a state change, so an
// attached collab.Bridge resyncs and asks the relay for missed operations.
package wsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/counterpunchspace/editor-sub005/services/sync/collab"
	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
)

// ErrNotConnected is returned by Send while the connection is down.
var ErrNotConnected = errors.New("websocket not connected")

// Config configures a Client.
type Config struct {
	// URL is the relay websocket endpoint of the document, see DocumentURL.
	URL string

	// Peer identifies this client in frames. Usually the document actor.
	Peer string

	// Header is sent with the upgrade request.
	Header http.Header

	// PingInterval is the keepalive period. The connection is dropped when
	// nothing is read for twice this long. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds each frame write. Default: 10s.
	WriteTimeout time.Duration

	// MinBackoff and MaxBackoff bound reconnect delays.
	// Defaults: 250ms and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxFrameBytes bounds incoming frames. Default: 16 MiB.
	MaxFrameBytes int64

	// Logger for connection events. Default: slog.Default().
	Logger *slog.Logger
}

// DocumentURL builds the relay endpoint for doc from a base URL such as
// "ws://localhost:8090".
func DocumentURL(base, doc, peer string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u = u.JoinPath("v1", "docs", doc, "ws")
	if peer != "" {
		q := u.Query()
		q.Set("peer", peer)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Client is a reconnecting websocket transport.
//
// It implements collab.Transport, collab.PresenceTransport,
// collab.StateNotifier and collab.SyncRequester.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialized.
type Client struct {
	collab.Dispatcher

	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state collab.ConnectionState

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts a client that connects in the background. It returns
// immediately; watch OnStateChange or ConnectionState for the link.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsock: URL is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: cfg.Logger.With(
			slog.String("component", "wsock.Client"),
			slog.String("peer", cfg.Peer),
		),
		state:  collab.StateDisconnected,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

// Send writes an operation batch.
func (c *Client) Send(ctx context.Context, ops []crdt.Operation) error {
	return c.write(ctx, collab.Envelope{Type: collab.MessageOps, Sender: c.cfg.Peer, Ops: ops})
}

// SendPresence writes a presence update.
func (c *Client) SendPresence(ctx context.Context, p collab.Presence) error {
	return c.write(ctx, collab.Envelope{Type: collab.MessagePresence, Sender: c.cfg.Peer, Presence: &p})
}

// RequestSync asks the relay and the other peers for their operations.
func (c *Client) RequestSync(ctx context.Context) error {
	return c.write(ctx, collab.Envelope{Type: collab.MessageSync, Sender: c.cfg.Peer})
}

// ConnectionState reports the link state.
func (c *Client) ConnectionState() collab.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) write(ctx context.Context, env collab.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *Client) setState(s collab.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.logger.Debug("connection state", slog.String("state", string(s)))
		c.NotifyState(s)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(collab.StateDisconnected)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	for ctx.Err() == nil {
		c.setState(collab.StateConnecting)
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
			return conn, err
		},
			backoff.WithBackOff(b),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("dial failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", next),
				)
			}),
		)
		if err != nil {
			continue
		}
		b.Reset()
		c.serve(ctx, conn)
	}
}

// serve reads frames from conn until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	readWait := 2 * c.cfg.PingInterval
	conn.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(collab.StateConnected)
	c.logger.Info("connected", slog.String("url", c.cfg.URL))

	stop := make(chan struct{})
	go c.keepalive(ctx, conn, stop)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("connection lost", slog.String("error", err.Error()))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if _, err := c.DispatchFrame(frame); err != nil {
			c.logger.Warn("dropped frame", slog.String("error", err.Error()))
		}
	}

	close(stop)
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	c.setState(collab.StateDisconnected)
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

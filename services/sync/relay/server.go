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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/telemetry"
	"github.com/counterpunchspace/editor-sub005/services/sync/transport/redisbus"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// docRule constrains document names taken from the URL.
const docRule = "required,max=128,printascii"

// Config configures a Server.
type Config struct {
	// Addr is the listen address for Run. Default: ":8090".
	Addr string

	// MaxFrameBytes bounds incoming frames. Default: 16 MiB.
	MaxFrameBytes int64

	// PingInterval is the websocket keepalive period. Default: 30s.
	PingInterval time.Duration

	// Log stores operations. Default: a MemoryLog.
	Log OpLog

	// Redis enables cross-relay fan-out. Optional.
	Redis redis.UniversalClient

	// Instance names this relay in mDNS and Redis. Default: a random UUID.
	Instance string

	// Advertise registers the relay over mDNS while Run is active.
	Advertise bool

	// ServiceName labels HTTP spans. Default: "glyphsync-relay".
	ServiceName string

	// Debug logs every HTTP request.
	Debug bool

	// Logger for relay events. Default: slog.Default().
	Logger *slog.Logger
}

// Server is the relay HTTP service.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	validate *validator.Validate
	started  time.Time

	mu   sync.Mutex
	hubs map[string]*hub
}

// DocInfo describes one open document.
type DocInfo struct {
	Doc   string `json:"doc"`
	Peers int    `json:"peers"`
	Ops   int    `json:"ops"`
}

// New creates a relay. Call Run to serve, or mount Handler yourself.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = NewMemoryLog()
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "glyphsync-relay"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("component", "relay"),
			slog.String("instance", cfg.Instance),
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are native clients and tools, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		started:  time.Now(),
		hubs:     make(map[string]*hub),
	}
	s.cfg.Logger = s.logger
	s.initRouter()
	return s, nil
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.ServiceName))
	if s.cfg.Debug {
		s.router.Use(gin.Logger())
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := s.router.Group("/v1")
	v1.GET("/docs", s.handleDocs)
	v1.GET("/docs/:doc/ops", s.handleOps)
	v1.GET("/docs/:doc/ws", s.handleWebsocket)
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Instance returns the relay's instance name.
func (s *Server) Instance() string {
	return s.cfg.Instance
}

// Run serves on cfg.Addr until ctx is cancelled.
//
// # Description
//
// Runs the HTTP server and, when enabled, the mDNS advertisement in one
// errgroup. Cancelling ctx shuts the server down gracefully and
// disconnects every websocket peer.
//
// # Outputs
//
//   - error: The first listener or advertisement error. Nil on a clean
//     shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("relay listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.closeHubs()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("relay shutdown: %w", err)
		}
		s.logger.Info("relay stopped")
		return nil
	})

	if s.cfg.Advertise {
		port := 0
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
		g.Go(func() error {
			return s.advertise(gctx, port)
		})
	}
	return g.Wait()
}

// -----------------------------------------------------------------------------
// Hubs
// -----------------------------------------------------------------------------

// acquire returns the hub of doc, creating it on first use.
func (s *Server) acquire(ctx context.Context, doc string) (*hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[doc]; ok {
		h.refs++
		return h, nil
	}

	ops, err := s.cfg.Log.Load(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("load op log %s: %w", doc, err)
	}
	h := newHub(doc, ops, s.cfg.Log, s.cfg)
	if s.cfg.Redis != nil {
		bus, err := redisbus.New(ctx, s.cfg.Redis, redisbus.Config{
			Doc:    doc,
			Peer:   s.cfg.Instance,
			Logger: s.cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", doc, err)
		}
		h.attachBus(ctx, bus)
	}
	h.refs = 1
	s.hubs[doc] = h
	hubsOpen.Inc()
	s.logger.Info("hub opened", slog.String("doc", doc), slog.Int("ops", len(h.ops)))
	return h, nil
}

// release drops one reference and closes the hub when none are left.
func (s *Server) release(h *hub) {
	s.mu.Lock()
	h.refs--
	last := h.refs <= 0 && s.hubs[h.doc] == h
	if last {
		delete(s.hubs, h.doc)
		hubsOpen.Dec()
	}
	s.mu.Unlock()
	if last {
		h.close()
		s.logger.Info("hub closed", slog.String("doc", h.doc))
	}
}

func (s *Server) closeHubs() {
	s.mu.Lock()
	hubs := make([]*hub, 0, len(s.hubs))
	for doc, h := range s.hubs {
		hubs = append(hubs, h)
		delete(s.hubs, doc)
		hubsOpen.Dec()
	}
	s.mu.Unlock()
	for _, h := range hubs {
		h.close()
	}
}

// Docs lists the open documents sorted by name.
func (s *Server) Docs() []DocInfo {
	s.mu.Lock()
	hubs := make([]*hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()

	out := make([]DocInfo, 0, len(hubs))
	for _, h := range hubs {
		peers, ops := h.stats()
		out = append(out, DocInfo{Doc: h.doc, Peers: peers, Ops: ops})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Doc < out[j].Doc })
	return out
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	docs := s.Docs()
	peers := 0
	for _, d := range docs {
		peers += d.Peers
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"instance": s.cfg.Instance,
		"docs":     len(docs),
		"peers":    peers,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleDocs(c *gin.Context) {
	c.JSON(http.StatusOK, s.Docs())
}

func (s *Server) handleOps(c *gin.Context) {
	doc := c.Param("doc")
	if err := s.validate.Var(doc, docRule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document name"})
		return
	}

	var ops []crdt.Operation
	s.mu.Lock()
	h, open := s.hubs[doc]
	s.mu.Unlock()
	if open {
		ops = h.snapshotOps()
	} else {
		var err error
		ops, err = s.cfg.Log.Load(c.Request.Context(), doc)
		if err != nil {
			s.logger.Error("load op log", slog.String("doc", doc), slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "op log unavailable"})
			return
		}
	}
	data, err := crdt.EncodeOperations(ops)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	doc := c.Param("doc")
	if err := s.validate.Var(doc, docRule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document name"})
		return
	}
	name := c.Query("peer")
	if name == "" {
		name = uuid.NewString()
	}

	h, err := s.acquire(c.Request.Context(), doc)
	if err != nil {
		s.logger.Error("open hub", slog.String("doc", doc), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document unavailable"})
		return
	}
	defer s.release(h)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		s.logger.Warn("upgrade failed", slog.String("doc", doc), slog.String("error", err.Error()))
		return
	}
	h.serve(conn, name)
}

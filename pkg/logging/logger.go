// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for glyphsync binaries.
//
// Every record goes to stderr, as text on a terminal and JSON otherwise,
// and optionally to a JSON log file:
//
//	┌──────────────────────────────────────────┐
//	│                 Logger                   │
//	│  ┌──────────────┐   ┌─────────────────┐  │
//	│  │ stderr       │   │ log file        │  │
//	│  │ text | JSON  │   │ JSON (optional) │  │
//	│  └──────────────┘   └─────────────────┘  │
//	└──────────────────────────────────────────┘
//
// Records logged with a context that carries an OpenTelemetry span get
// trace_id and span_id attributes, so log lines line up with traces.
//
// Libraries never import this package; they take a *slog.Logger and fall
// back to slog.Default(). Binaries build one Logger, install it with
// slog.SetDefault and Close it on exit.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"
)

// Output formats for the stderr handler.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures a Logger. The zero value logs Info and above to
// stderr in the auto format.
type Config struct {
	// Level is debug, info, warn or error. Default: info.
	Level string

	// Format is auto, text or json. Auto picks text when the output is
	// a terminal. Default: auto.
	Format string

	// File additionally writes JSON records to this path. Parent
	// directories are created and ~ is expanded.
	File string

	// Service is added to every record as the "service" attribute.
	Service string

	// Output replaces stderr. Used by tests.
	Output io.Writer
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is a *slog.Logger that owns its log file.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger for cfg.
//
// # Inputs
//
//   - cfg: Logger configuration.
//
// # Outputs
//
//   - *Logger: Ready to use. Close it to flush the log file.
//   - error: Non-nil for an unknown level or format, or if the log
//     file cannot be opened.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var console slog.Handler
	switch cfg.Format {
	case "", FormatAuto:
		if isTerminal(out) {
			console = slog.NewTextHandler(out, opts)
		} else {
			console = slog.NewJSONHandler(out, opts)
		}
	case FormatText:
		console = slog.NewTextHandler(out, opts)
	case FormatJSON:
		console = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	l := &Logger{}
	handler := console
	if cfg.File != "" {
		path := expandPath(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handler = &multiHandler{handlers: []slog.Handler{console, slog.NewJSONHandler(f, opts)}}
	}

	handler = &traceHandler{next: handler}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.Logger = slog.New(handler)
	return l, nil
}

// Close syncs and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// traceHandler adds the span of the record's context.
type traceHandler struct {
	next slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r = r.Clone()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name)}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_Layers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glyphsync.yaml")
	writeFile(t, path, `
engine:
  doc: my-font
  capture_timeout: 250ms
  undo_scope: glyphs.A
relay:
  addr: ":9000"
`)
	t.Setenv("GLYPHSYNC_ACTOR", "alice")
	t.Setenv("GLYPHSYNC_TRACKED_ORIGINS", "local, script ,")
	t.Setenv("GLYPHSYNC_RELAY_ADDR", "localhost:9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-font", cfg.Engine.Doc)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.CaptureTimeout)
	assert.Equal(t, "glyphs.A", cfg.Engine.UndoScope)
	assert.Equal(t, "alice", cfg.Engine.Actor)
	assert.Equal(t, []string{"local", "script"}, cfg.Engine.TrackedOrigins)
	assert.Equal(t, "localhost:9100", cfg.Relay.Addr)
	// untouched defaults survive
	assert.Equal(t, int64(16<<20), cfg.Relay.MaxFrameBytes)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown key", body: "engine:\n  nope: 1\n"},
		{name: "bad exporter", body: "telemetry:\n  exporter: zipkin\n"},
		{name: "otlp without endpoint", body: "telemetry:\n  exporter: otlp\n"},
		{name: "negative timeout", body: "engine:\n  capture_timeout: -1s\n"},
		{name: "bad addr", body: "relay:\n  addr: nowhere\n"},
		{name: "bad env duration", env: map[string]string{"GLYPHSYNC_CAPTURE_TIMEOUT": "soon"}},
		{name: "bad env bool", env: map[string]string{"GLYPHSYNC_ADVERTISE": "maybe"}},
		{name: "empty origins", env: map[string]string{"GLYPHSYNC_TRACKED_ORIGINS": ","}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			writeFile(t, path, tt.body)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)
	assert.Contains(t, string(data), "capture_timeout: 500ms")

	path := filepath.Join(t.TempDir(), "out.yaml")
	writeFile(t, path, string(data))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glyphsync.yaml")
	writeFile(t, path, "engine:\n  capture_timeout: 100ms\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var latest atomic.Int64
	go func() {
		done <- Watch(ctx, path, func(c Config) { latest.Store(int64(c.Engine.CaptureTimeout)) }, nil)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "engine:\n  capture_timeout: not-a-duration\n")
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, latest.Load())

	writeFile(t, path, "engine:\n  capture_timeout: 750ms\n")
	require.Eventually(t, func() bool {
		return time.Duration(latest.Load()) == 750*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_RequiresPath(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "", func(Config) {}, nil))
}

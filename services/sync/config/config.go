// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads glyphsync settings.
//
// Settings come from three layers, later layers winning: built-in
// defaults, an optional YAML file, and GLYPHSYNC_* environment variables.
// The result is validated with struct tags. Watch reloads the file when it
// changes on disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ScopeGlobal is the UndoScope that tracks the whole document.
const ScopeGlobal = "global"

// Config is the complete settings tree.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// EngineConfig configures the editing engine.
type EngineConfig struct {
	// Doc names the document, used for journal keys and relay channels.
	Doc string `yaml:"doc" validate:"required"`

	// Actor names this replica. Empty means a random ID per process.
	Actor string `yaml:"actor"`

	// CaptureTimeout merges undo captures closer together than this.
	// Zero disables merging.
	CaptureTimeout time.Duration `yaml:"capture_timeout" validate:"gte=0"`

	// TrackedOrigins are the transaction origins the undo manager records.
	TrackedOrigins []string `yaml:"tracked_origins" validate:"min=1,dive,required"`

	// UndoScope is "global" or a dotted path such as glyphs.A.
	UndoScope string `yaml:"undo_scope" validate:"required"`
}

// StoreConfig configures the local journal store.
type StoreConfig struct {
	// Path of the badger directory. Empty disables the journal.
	Path string `yaml:"path"`

	// SyncWrites fsyncs every journal append.
	SyncWrites bool `yaml:"sync_writes"`

	// CheckpointInterval is how often the engine writes a checkpoint.
	// Zero disables periodic checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" validate:"gte=0"`
}

// RelayConfig configures `glyphsync relay`.
type RelayConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// RedisAddr enables cross-relay fan-out when set.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	// PostgresDSN stores operation logs in Postgres when set; otherwise
	// logs live in memory.
	PostgresDSN string `yaml:"postgres_dsn" validate:"omitempty,url"`

	// Advertise announces the relay over mDNS.
	Advertise bool `yaml:"advertise"`

	// Instance is the mDNS instance name.
	Instance string `yaml:"instance" validate:"required_if=Advertise true"`

	// MaxFrameBytes bounds incoming websocket frames.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" validate:"gt=0"`

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration `yaml:"ping_interval" validate:"gt=0"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`

	// Exporter is none, stdout, otlp or prometheus.
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp prometheus"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`

	// File additionally writes JSON logs to this path when set.
	File string `yaml:"file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Doc:            "default",
			CaptureTimeout: 500 * time.Millisecond,
			TrackedOrigins: []string{"local", "script"},
			UndoScope:      ScopeGlobal,
		},
		Store: StoreConfig{
			SyncWrites:         true,
			CheckpointInterval: 5 * time.Minute,
		},
		Relay: RelayConfig{
			Addr:          ":8090",
			Instance:      "glyphsync",
			MaxFrameBytes: 16 << 20,
			PingInterval:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "glyphsync",
			Exporter:    "none",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load builds the settings from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates them.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("GLYPHSYNC_DOC", &cfg.Engine.Doc)
	str("GLYPHSYNC_ACTOR", &cfg.Engine.Actor)
	str("GLYPHSYNC_UNDO_SCOPE", &cfg.Engine.UndoScope)
	if v, ok := lookup("GLYPHSYNC_TRACKED_ORIGINS"); ok {
		cfg.Engine.TrackedOrigins = splitList(v)
	}
	str("GLYPHSYNC_STORE_PATH", &cfg.Store.Path)
	str("GLYPHSYNC_RELAY_ADDR", &cfg.Relay.Addr)
	str("GLYPHSYNC_REDIS_ADDR", &cfg.Relay.RedisAddr)
	str("GLYPHSYNC_POSTGRES_DSN", &cfg.Relay.PostgresDSN)
	str("GLYPHSYNC_TELEMETRY_EXPORTER", &cfg.Telemetry.Exporter)
	str("GLYPHSYNC_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("GLYPHSYNC_LOG_LEVEL", &cfg.Log.Level)
	str("GLYPHSYNC_LOG_FORMAT", &cfg.Log.Format)
	str("GLYPHSYNC_LOG_FILE", &cfg.Log.File)

	return errors.Join(
		dur("GLYPHSYNC_CAPTURE_TIMEOUT", &cfg.Engine.CaptureTimeout),
		dur("GLYPHSYNC_CHECKPOINT_INTERVAL", &cfg.Store.CheckpointInterval),
		boolean("GLYPHSYNC_SYNC_WRITES", &cfg.Store.SyncWrites),
		boolean("GLYPHSYNC_ADVERTISE", &cfg.Relay.Advertise),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

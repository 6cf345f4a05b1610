// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/counterpunchspace/editor-sub005/pkg/logging"
	"github.com/counterpunchspace/editor-sub005/services/sync/config"
	"github.com/counterpunchspace/editor-sub005/services/sync/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string

	relayAddr string

	inspectStore   string
	inspectDoc     string
	inspectFromOps bool
	inspectGlyphs  bool

	mirrorRelay string
	mirrorDoc   string
	mirrorStore string
	mirrorActor string

	discoverWait time.Duration
)

var (
	rootCmd = &cobra.Command{
		Use:           "glyphsync",
		Short:         "Collaborative font document synchronization",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that connects editing peers",
		Args:  cobra.NoArgs,
		RunE:  runRelay, // Defined in cmd_relay.go
	}

	mirrorCmd = &cobra.Command{
		Use:   "mirror",
		Short: "Keep a durable local replica of a document served by a relay",
		Args:  cobra.NoArgs,
		RunE:  runMirror, // Defined in cmd_mirror.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print the document stored in a local journal as JSON",
		Args:  cobra.NoArgs,
		RunE:  runInspect, // Defined in cmd_inspect.go
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "List relays advertised on the local network",
		Args:  cobra.NoArgs,
		RunE:  runDiscover, // Defined in cmd_discover.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the glyphsync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "glyphsync %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "listen address (overrides config)")

	mirrorCmd.Flags().StringVar(&mirrorRelay, "relay", "ws://localhost:8090", "relay base URL")
	mirrorCmd.Flags().StringVar(&mirrorDoc, "doc", "", "document ID (overrides config)")
	mirrorCmd.Flags().StringVar(&mirrorStore, "store", "", "journal directory (overrides config)")
	mirrorCmd.Flags().StringVar(&mirrorActor, "actor", "", "replica name (default: random)")

	inspectCmd.Flags().StringVar(&inspectStore, "store", "", "journal directory")
	inspectCmd.Flags().StringVar(&inspectDoc, "doc", "", "document ID")
	inspectCmd.Flags().BoolVar(&inspectFromOps, "from-ops", false, "rebuild from the operation log instead of the checkpoint")
	inspectCmd.Flags().BoolVar(&inspectGlyphs, "glyphs", false, "print a glyph summary instead of the raw snapshot")
	_ = inspectCmd.MarkFlagRequired("store")
	_ = inspectCmd.MarkFlagRequired("doc")

	discoverCmd.Flags().DurationVar(&discoverWait, "wait", 3*time.Second, "how long to browse")

	rootCmd.AddCommand(relayCmd, mirrorCmd, inspectCmd, discoverCmd, versionCmd)
}

// runtime holds what every long-running command sets up first.
type runtime struct {
	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

// setup loads configuration, installs the process logger and starts
// telemetry.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Service: "glyphsync",
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Logger)

	shutdown, err := telemetry.Init(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.shutdown(ctx); err != nil {
		r.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	_ = r.logger.Close()
}

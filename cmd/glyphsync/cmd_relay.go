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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/counterpunchspace/editor-sub005/services/sync/config"
	"github.com/counterpunchspace/editor-sub005/services/sync/persist/pgstore"
	"github.com/counterpunchspace/editor-sub005/services/sync/relay"
)

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rc := rt.cfg.Relay
	if relayAddr != "" {
		rc.Addr = relayAddr
	}
	srv, cleanup, err := newRelay(ctx, rc, rt.cfg.Telemetry.ServiceName, rt.cfg.Log.Level == "debug", rt.logger.Logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return srv.Run(ctx)
}

// newRelay builds a relay from configuration, connecting the op log and
// the Redis fan-out it names.
//
// # Outputs
//
//   - *relay.Server: Ready to Run.
//   - func(): Releases the database and Redis clients.
//   - error: Non-nil if a configured backend is unreachable.
func newRelay(ctx context.Context, rc config.RelayConfig, service string, debug bool, logger *slog.Logger) (*relay.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var oplog relay.OpLog = relay.NewMemoryLog()
	if rc.PostgresDSN != "" {
		store, err := pgstore.Open(ctx, rc.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, store.Close)
		oplog = store
	}

	var rdb redis.UniversalClient
	if rc.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			cleanup()
			return nil, nil, fmt.Errorf("redis %s: %w", rc.RedisAddr, err)
		}
		closers = append(closers, func() { _ = client.Close() })
		rdb = client
	}

	srv, err := relay.New(relay.Config{
		Addr:          rc.Addr,
		MaxFrameBytes: rc.MaxFrameBytes,
		PingInterval:  rc.PingInterval,
		Log:           oplog,
		Redis:         rdb,
		Instance:      rc.Instance,
		Advertise:     rc.Advertise,
		ServiceName:   service,
		Debug:         debug,
		Logger:        logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Info("relay configured",
		slog.String("addr", rc.Addr),
		slog.Bool("postgres", rc.PostgresDSN != ""),
		slog.Bool("redis", rc.RedisAddr != ""),
		slog.Bool("advertise", rc.Advertise),
	)
	return srv, cleanup, nil
}

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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/engine"
	"github.com/counterpunchspace/editor-sub005/services/sync/font"
	"github.com/counterpunchspace/editor-sub005/services/sync/transport/wsock"
)

// runMirror keeps a journal-backed replica of a document in sync with a
// relay until interrupted. The replica never edits; it only persists.
func runMirror(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ecfg := engine.ConfigFrom(rt.cfg)
	if mirrorDoc != "" {
		ecfg.Doc = mirrorDoc
	}
	if mirrorStore != "" {
		ecfg.StorePath = mirrorStore
	}
	if mirrorActor != "" {
		ecfg.Actor = mirrorActor
	}
	ecfg.Logger = rt.logger.Logger

	eng, err := engine.New[*font.Font](ctx, ecfg, font.Model{})
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			rt.logger.Error("close engine", slog.String("error", err.Error()))
		}
	}()

	url, err := wsock.DocumentURL(mirrorRelay, eng.Doc(), eng.Document().Actor())
	if err != nil {
		return err
	}
	client, err := wsock.Dial(ctx, wsock.Config{
		URL:           url,
		Peer:          eng.Document().Actor(),
		PingInterval:  rt.cfg.Relay.PingInterval,
		MaxFrameBytes: rt.cfg.Relay.MaxFrameBytes,
		Logger:        rt.logger.Logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := eng.Attach(ctx, client); err != nil {
		return err
	}

	unsubscribe := eng.Observe(func(ev crdt.Event) {
		rt.logger.Debug("mirrored",
			slog.String("origin", ev.Origin),
			slog.Int("ops", len(ev.Ops)),
		)
	})
	defer unsubscribe()

	if configPath != "" {
		go func() {
			if err := eng.WatchConfig(ctx, configPath); err != nil {
				rt.logger.Warn("config watch failed", slog.String("error", err.Error()))
			}
		}()
	}

	rt.logger.Info("mirroring",
		slog.String("doc", eng.Doc()),
		slog.String("relay", mirrorRelay),
		slog.String("store", ecfg.StorePath),
	)
	<-ctx.Done()
	eng.Detach()
	return nil
}

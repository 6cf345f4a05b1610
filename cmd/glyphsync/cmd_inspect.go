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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/counterpunchspace/editor-sub005/services/sync/crdt"
	"github.com/counterpunchspace/editor-sub005/services/sync/font"
	"github.com/counterpunchspace/editor-sub005/services/sync/persist"
	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
	"github.com/counterpunchspace/editor-sub005/services/sync/storage/badger"
)

func runInspect(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	db, err := badger.Open(badger.Config{Path: inspectStore, Logger: logger})
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := readDocument(cmd.Context(), db, inspectDoc, inspectFromOps, logger)
	if err != nil {
		return err
	}
	if inspectGlyphs {
		return printGlyphs(cmd.OutOrStdout(), snap)
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

// readDocument returns the stored state of doc. Without fromOps the latest
// checkpoint is used, falling back to the op log when none was written.
func readDocument(ctx context.Context, db *badger.DB, doc string, fromOps bool, logger *slog.Logger) (snapshot.Map, error) {
	j, err := persist.NewJournal(db, persist.Config{Doc: doc, SkipCorrupted: true, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer j.Close()

	if !fromOps {
		snap, seq, err := j.LoadCheckpoint(ctx)
		switch {
		case err == nil:
			logger.Debug("read checkpoint", slog.Uint64("seq", seq))
			return snap, nil
		case !errors.Is(err, persist.ErrNoCheckpoint):
			return nil, err
		}
		logger.Info("no checkpoint, rebuilding from the op log")
	}

	d := crdt.New(crdt.Config{Actor: "inspect", Logger: logger})
	defer d.Close()
	n, err := j.Restore(ctx, d)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("document %q not found in store", doc)
	}
	return d.Snapshot(), nil
}

func printGlyphs(w io.Writer, snap snapshot.Map) error {
	f, err := font.Decode(snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s (%g upm, %d glyphs)\n", f.Name, f.UnitsPerEm, len(f.Glyphs))
	for _, name := range f.GlyphNames() {
		g := f.Glyphs[name]
		paths := 0
		for _, l := range g.Layers {
			paths += len(l.Paths)
		}
		fmt.Fprintf(w, "  %-12s width=%-6g layers=%d paths=%d\n", name, g.Width, len(g.Layers), paths)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command glyphsync runs the collaboration relay and works with local
// document stores.
//
// # Usage
//
//	glyphsync relay --config glyphsync.yaml
//	glyphsync relay --addr :9000
//	glyphsync mirror --relay ws://relay.local:8090 --doc myfont --store ~/.glyphsync/myfont
//	glyphsync inspect --store ~/.glyphsync/myfont --doc myfont
//	glyphsync inspect --store ~/.glyphsync/myfont --doc myfont --from-ops --glyphs
//	glyphsync discover
//	glyphsync version
//
// # Environment Variables
//
// Every setting of the config file can be overridden with a GLYPHSYNC_*
// variable, e.g. GLYPHSYNC_REDIS_ADDR or GLYPHSYNC_LOG_LEVEL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

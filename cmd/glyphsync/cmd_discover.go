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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/counterpunchspace/editor-sub005/services/sync/relay"
)

func runDiscover(cmd *cobra.Command, _ []string) error {
	endpoints, err := relay.Discover(cmd.Context(), discoverWait)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(endpoints) == 0 {
		fmt.Fprintln(w, "no relays found")
		return nil
	}
	for _, e := range endpoints {
		fmt.Fprintf(w, "%-24s %s\n", e.Instance, e.URL())
	}
	return nil
}

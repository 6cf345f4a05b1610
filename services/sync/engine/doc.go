// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the process-wide context of one collaborative
// document.
//
// An Engine owns the document store, the undo history, the transaction
// coordinator, the view cache and, when configured, the durable journal.
// Application code reads the current domain view with Current, edits
// through Direct, Group or a scripted transaction, and replicates through
// Attach:
//
//	eng, err := engine.New(ctx, engine.Config{Doc: "font"}, font.Model{})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	f, err := eng.BeginScript(ctx, "set width")
//	...
//	f.Glyphs["A"].Width = 550
//	_, err = eng.EndScript(ctx, f)
//
// Nothing here is global: two engines in one process are independent.
package engine

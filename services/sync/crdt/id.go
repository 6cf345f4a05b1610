// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a logical timestamp: a Lamport clock paired with the actor that
// produced it. The zero ID names the root map.
type ID struct {
	Clock uint64
	Actor string
}

// RootID identifies the document root.
var RootID = ID{}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Actor == ""
}

// Compare orders IDs by clock, then by actor.
// It returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	switch {
	case id.Clock < other.Clock:
		return -1
	case id.Clock > other.Clock:
		return 1
	}
	return strings.Compare(id.Actor, other.Actor)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// String renders the ID as "clock@actor". The root renders as "root".
func (id ID) String() string {
	if id.IsZero() {
		return "root"
	}
	return strconv.FormatUint(id.Clock, 10) + "@" + id.Actor
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the form produced by ID.String.
func ParseID(s string) (ID, error) {
	if s == "root" || s == "" {
		return RootID, nil
	}
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	clock, err := strconv.ParseUint(s[:at], 10, 64)
	if err != nil || clock == 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{Clock: clock, Actor: s[at+1:]}, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a value inside a snapshot. Each segment is either a string
// (map key) or an int (list index).
type Path []any

// Root is the empty path.
var Root = Path{}

// ParsePath parses a dotted path such as "glyphs.A.layers.0.width".
//
// Segments made only of ASCII digits become list indices. The empty string
// and "global" both parse to the root path.
func ParsePath(s string) Path {
	s = strings.TrimSpace(s)
	if s == "" || s == "global" {
		return Path{}
	}
	parts := strings.Split(s, ".")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if n, err := strconv.Atoi(part); err == nil && n >= 0 && isDigits(part) {
			p = append(p, n)
			continue
		}
		p = append(p, part)
	}
	return p
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String renders the path in dotted form.
func (p Path) String() string {
	var sb strings.Builder
	for i, seg := range p {
		if i > 0 {
			sb.WriteByte('.')
		}
		switch s := seg.(type) {
		case string:
			sb.WriteString(s)
		case int:
			sb.WriteString(strconv.Itoa(s))
		default:
			fmt.Fprintf(&sb, "%v", s)
		}
	}
	return sb.String()
}

// Child returns a new path with seg appended. The receiver is not modified.
func (p Path) Child(seg any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return Path{}
	}
	out := make(Path, len(p)-1)
	copy(out, p[:len(p)-1])
	return out
}

// Last returns the final segment, or nil for the root path.
func (p Path) Last() any {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

// Equal reports whether two paths have identical segments.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
// Every path has the root path as prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Get walks root along path.
func Get(root Value, path Path) (Value, bool) {
	cur := root
	for _, seg := range path {
		switch s := seg.(type) {
		case string:
			m, ok := cur.(Map)
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			l, ok := cur.(List)
			if !ok || s < 0 || s >= len(l) {
				return nil, false
			}
			cur = l[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

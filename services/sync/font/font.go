// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package font is a typed font model over document snapshots.
//
// A font is a tree of glyphs, layers, paths and nodes:
//
//	{
//	  "name": "Test Sans", "upm": 1000,
//	  "glyphs": {
//	    "A": {
//	      "width": 500, "codepoints": [65],
//	      "layers": [{"name": "Regular", "paths": [
//	        {"closed": true, "nodes": [{"x": 0, "y": 0, "type": "line"}, ...]}
//	      ]}]
//	    }
//	  }
//	}
//
// Keys the model does not know are carried in Extra maps and written back
// unchanged, so a snapshot survives FromSnapshot and ToSnapshot intact.
// Model implements the engine's model contract; scripts edit a *Font and
// the engine diffs the result back into the document.
package font

import (
	"errors"
	"fmt"
	"sort"

	"github.com/counterpunchspace/editor-sub005/services/sync/snapshot"
)

var (
	// ErrInvalidFont is returned when a snapshot does not have the font shape.
	ErrInvalidFont = errors.New("invalid font snapshot")

	// ErrGlyphNotFound is returned by edits naming a missing glyph.
	ErrGlyphNotFound = errors.New("glyph not found")

	// ErrOutOfRange is returned by edits addressing a missing layer, path
	// or node.
	ErrOutOfRange = errors.New("index out of range")
)

// Node types.
const (
	NodeLine     = "line"
	NodeCurve    = "curve"
	NodeQCurve   = "qcurve"
	NodeOffCurve = "offcurve"
)

// Font is the root of the model.
type Font struct {
	Name       string
	UnitsPerEm float64
	Glyphs     map[string]*Glyph
	Extra      snapshot.Map
}

// Glyph is one glyph with its master layers.
type Glyph struct {
	Width      float64
	Codepoints []int
	Layers     []*Layer
	Extra      snapshot.Map
}

// Layer is one master's outline of a glyph.
type Layer struct {
	Name  string
	Paths []*Path
	Extra snapshot.Map
}

// Path is a contour.
type Path struct {
	Closed bool
	Nodes  []Node
	Extra  snapshot.Map
}

// Node is a point on a contour.
type Node struct {
	X, Y   float64
	Type   string
	Smooth bool
	Extra  snapshot.Map
}

// GlyphNames returns the glyph names in sorted order.
func (f *Font) GlyphNames() []string {
	names := make([]string, 0, len(f.Glyphs))
	for name := range f.Glyphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model converts between snapshots and *Font.
type Model struct{}

// FromSnapshot decodes snap into a new Font.
func (Model) FromSnapshot(snap snapshot.Map) (*Font, error) {
	return Decode(snap)
}

// ToSnapshot encodes f.
func (Model) ToSnapshot(f *Font) (snapshot.Map, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil font", ErrInvalidFont)
	}
	return Encode(f), nil
}

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

// decoder collects the first shape error with its path.
type decoder struct {
	err error
}

func (d *decoder) fail(path snapshot.Path, format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s: %s", ErrInvalidFont, path, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) number(m snapshot.Map, key string, path snapshot.Path) float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		d.fail(path.Child(key), "want number, got %s", snapshot.KindOf(v))
	}
	return f
}

func (d *decoder) str(m snapshot.Map, key string, path snapshot.Path) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(path.Child(key), "want string, got %s", snapshot.KindOf(v))
	}
	return s
}

func (d *decoder) boolean(m snapshot.Map, key string, path snapshot.Path) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.fail(path.Child(key), "want bool, got %s", snapshot.KindOf(v))
	}
	return b
}

func (d *decoder) mapAt(m snapshot.Map, key string, path snapshot.Path) snapshot.Map {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	out, ok := v.(snapshot.Map)
	if !ok {
		d.fail(path.Child(key), "want map, got %s", snapshot.KindOf(v))
	}
	return out
}

func (d *decoder) listAt(m snapshot.Map, key string, path snapshot.Path) snapshot.List {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	out, ok := v.(snapshot.List)
	if !ok {
		d.fail(path.Child(key), "want list, got %s", snapshot.KindOf(v))
	}
	return out
}

func (d *decoder) item(v snapshot.Value, path snapshot.Path) snapshot.Map {
	m, ok := v.(snapshot.Map)
	if !ok {
		d.fail(path, "want map, got %s", snapshot.KindOf(v))
	}
	return m
}

// extra copies the keys of m not listed in known.
func extra(m snapshot.Map, known ...string) snapshot.Map {
	var out snapshot.Map
	for k, v := range m {
		skip := false
		for _, kk := range known {
			if k == kk {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if out == nil {
			out = make(snapshot.Map)
		}
		out[k] = snapshot.Clone(v)
	}
	return out
}

// Decode builds a Font from snap. The snapshot is not retained.
func Decode(snap snapshot.Map) (*Font, error) {
	var d decoder
	root := snapshot.Path{}
	f := &Font{
		Name:       d.str(snap, "name", root),
		UnitsPerEm: d.number(snap, "upm", root),
		Glyphs:     make(map[string]*Glyph),
		Extra:      extra(snap, "name", "upm", "glyphs"),
	}
	glyphs := d.mapAt(snap, "glyphs", root)
	for _, name := range snapshot.SortedKeys(glyphs) {
		gp := root.Child("glyphs").Child(name)
		gm := d.item(glyphs[name], gp)
		if gm == nil {
			continue
		}
		f.Glyphs[name] = d.glyph(gm, gp)
	}
	if d.err != nil {
		return nil, d.err
	}
	return f, nil
}

func (d *decoder) glyph(gm snapshot.Map, gp snapshot.Path) *Glyph {
	g := &Glyph{
		Width: d.number(gm, "width", gp),
		Extra: extra(gm, "width", "codepoints", "layers"),
	}
	for i, cp := range d.listAt(gm, "codepoints", gp) {
		n, ok := cp.(float64)
		if !ok {
			d.fail(gp.Child("codepoints").Child(i), "want number, got %s", snapshot.KindOf(cp))
			continue
		}
		g.Codepoints = append(g.Codepoints, int(n))
	}
	for i, lv := range d.listAt(gm, "layers", gp) {
		lp := gp.Child("layers").Child(i)
		lm := d.item(lv, lp)
		if lm == nil {
			continue
		}
		layer := &Layer{
			Name:  d.str(lm, "name", lp),
			Extra: extra(lm, "name", "paths"),
		}
		for j, pv := range d.listAt(lm, "paths", lp) {
			pp := lp.Child("paths").Child(j)
			pm := d.item(pv, pp)
			if pm == nil {
				continue
			}
			layer.Paths = append(layer.Paths, d.path(pm, pp))
		}
		g.Layers = append(g.Layers, layer)
	}
	return g
}

func (d *decoder) path(pm snapshot.Map, pp snapshot.Path) *Path {
	p := &Path{
		Closed: d.boolean(pm, "closed", pp),
		Extra:  extra(pm, "closed", "nodes"),
	}
	for k, nv := range d.listAt(pm, "nodes", pp) {
		np := pp.Child("nodes").Child(k)
		nm := d.item(nv, np)
		if nm == nil {
			continue
		}
		p.Nodes = append(p.Nodes, Node{
			X:      d.number(nm, "x", np),
			Y:      d.number(nm, "y", np),
			Type:   d.str(nm, "type", np),
			Smooth: d.boolean(nm, "smooth", np),
			Extra:  extra(nm, "x", "y", "type", "smooth"),
		})
	}
	return p
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

func withExtra(base, ext snapshot.Map) snapshot.Map {
	for k, v := range ext {
		if _, known := base[k]; !known {
			base[k] = snapshot.Clone(v)
		}
	}
	return base
}

// Encode renders f as a snapshot. Known keys are always written.
func Encode(f *Font) snapshot.Map {
	glyphs := make(snapshot.Map, len(f.Glyphs))
	for name, g := range f.Glyphs {
		if g != nil {
			glyphs[name] = encodeGlyph(g)
		}
	}
	return withExtra(snapshot.Map{
		"name":   f.Name,
		"upm":    f.UnitsPerEm,
		"glyphs": glyphs,
	}, f.Extra)
}

func encodeGlyph(g *Glyph) snapshot.Map {
	cps := make(snapshot.List, len(g.Codepoints))
	for i, cp := range g.Codepoints {
		cps[i] = float64(cp)
	}
	layers := make(snapshot.List, 0, len(g.Layers))
	for _, l := range g.Layers {
		paths := make(snapshot.List, 0, len(l.Paths))
		for _, p := range l.Paths {
			paths = append(paths, encodePath(p))
		}
		layers = append(layers, withExtra(snapshot.Map{"name": l.Name, "paths": paths}, l.Extra))
	}
	return withExtra(snapshot.Map{
		"width":      g.Width,
		"codepoints": cps,
		"layers":     layers,
	}, g.Extra)
}

func encodePath(p *Path) snapshot.Map {
	nodes := make(snapshot.List, len(p.Nodes))
	for i, n := range p.Nodes {
		nm := snapshot.Map{"x": n.X, "y": n.Y, "type": n.Type, "smooth": n.Smooth}
		nodes[i] = withExtra(nm, n.Extra)
	}
	return withExtra(snapshot.Map{"closed": p.Closed, "nodes": nodes}, p.Extra)
}

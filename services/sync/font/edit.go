// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package font

import (
	"fmt"
	"math"
	"slices"
)

// Glyph returns the glyph called name.
func (f *Font) Glyph(name string) (*Glyph, error) {
	g, ok := f.Glyphs[name]
	if !ok || g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGlyphNotFound, name)
	}
	return g, nil
}

// SetWidth sets the advance width of a glyph.
func (f *Font) SetWidth(glyph string, width float64) error {
	g, err := f.Glyph(glyph)
	if err != nil {
		return err
	}
	if math.IsNaN(width) || math.IsInf(width, 0) {
		return fmt.Errorf("set width %s: not finite", glyph)
	}
	g.Width = width
	return nil
}

// path resolves a path of a glyph layer.
func (f *Font) path(glyph string, layer, path int) (*Path, error) {
	g, err := f.Glyph(glyph)
	if err != nil {
		return nil, err
	}
	if layer < 0 || layer >= len(g.Layers) {
		return nil, fmt.Errorf("%w: %s layer %d", ErrOutOfRange, glyph, layer)
	}
	l := g.Layers[layer]
	if path < 0 || path >= len(l.Paths) {
		return nil, fmt.Errorf("%w: %s layer %d path %d", ErrOutOfRange, glyph, layer, path)
	}
	return l.Paths[path], nil
}

// MoveNode offsets one node by (dx, dy).
func (f *Font) MoveNode(glyph string, layer, path, node int, dx, dy float64) error {
	p, err := f.path(glyph, layer, path)
	if err != nil {
		return err
	}
	if node < 0 || node >= len(p.Nodes) {
		return fmt.Errorf("%w: %s layer %d path %d node %d", ErrOutOfRange, glyph, layer, path, node)
	}
	p.Nodes[node].X += dx
	p.Nodes[node].Y += dy
	return nil
}

// ReversePath reverses the direction of a contour.
//
// # Description
//
// On-curve node types describe the segment that ends at the node, so each
// on-curve node takes the type of the on-curve node that followed it in
// the old direction. A closed path keeps its start node first; an open
// path's new start becomes a line node.
func (f *Font) ReversePath(glyph string, layer, path int) error {
	p, err := f.path(glyph, layer, path)
	if err != nil {
		return err
	}
	n := len(p.Nodes)
	if n < 2 {
		return nil
	}

	// Retype in the old order: the segment ending at an on-curve node now
	// comes from the on-curve node after it.
	nodes := slices.Clone(p.Nodes)
	var oncurve []int
	for i, nd := range nodes {
		if nd.Type != NodeOffCurve {
			oncurve = append(oncurve, i)
		}
	}
	for k, i := range oncurve {
		switch {
		case k+1 < len(oncurve):
			nodes[i].Type = p.Nodes[oncurve[k+1]].Type
		case p.Closed:
			nodes[i].Type = p.Nodes[oncurve[0]].Type
		default:
			nodes[i].Type = NodeLine
		}
	}

	if p.Closed {
		// keep the start point: [n0 n1 ... nk] -> [n0 nk ... n1]
		slices.Reverse(nodes[1:])
	} else {
		slices.Reverse(nodes)
	}
	p.Nodes = nodes
	return nil
}

// Bounds returns the bounding box of every node of a layer.
func (f *Font) Bounds(glyph string, layer int) (minX, minY, maxX, maxY float64, err error) {
	g, err := f.Glyph(glyph)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if layer < 0 || layer >= len(g.Layers) {
		return 0, 0, 0, 0, fmt.Errorf("%w: %s layer %d", ErrOutOfRange, glyph, layer)
	}
	first := true
	for _, p := range g.Layers[layer].Paths {
		for _, n := range p.Nodes {
			if first {
				minX, maxX, minY, maxY = n.X, n.X, n.Y, n.Y
				first = false
				continue
			}
			minX, maxX = math.Min(minX, n.X), math.Max(maxX, n.X)
			minY, maxY = math.Min(minY, n.Y), math.Max(maxY, n.Y)
		}
	}
	return minX, minY, maxX, maxY, nil
}

// Clone returns a deep copy of f.
func (f *Font) Clone() *Font {
	out, err := Decode(Encode(f))
	if err != nil {
		panic(fmt.Sprintf("font: clone of an encoded font failed to decode: %v", err))
	}
	return out
}

// NewGlyph returns a glyph with one empty layer per master name.
func NewGlyph(width float64, masters ...string) *Glyph {
	g := &Glyph{Width: width}
	for _, m := range masters {
		g.Layers = append(g.Layers, &Layer{Name: m})
	}
	return g
}

// Rect returns a closed rectangular path.
func Rect(x, y, w, h float64) *Path {
	return &Path{
		Closed: true,
		Nodes: []Node{
			{X: x, Y: y, Type: NodeLine},
			{X: x + w, Y: y, Type: NodeLine},
			{X: x + w, Y: y + h, Type: NodeLine},
			{X: x, Y: y + h, Type: NodeLine},
		},
	}
}

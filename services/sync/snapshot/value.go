// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot defines the plain, CRDT-independent representation of a
// document subtree.
//
// A snapshot value is one of:
//
//	nil            null scalar
//	bool           boolean scalar
//	float64        number scalar (all numbers are normalized to float64)
//	string         string scalar
//	Map            keyed composite (map[string]any)
//	List           ordered composite ([]any)
//
// Snapshots never alias the document they were taken from. Two snapshots
// produced by different replicas are comparable with Equal.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Value is any snapshot value. See the package documentation for the set of
// dynamic types a Value may hold.
type Value = any

// Map is a keyed composite value.
type Map = map[string]any

// List is an ordered composite value.
type List = []any

// Kind classifies a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindMap
	KindList
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// IsComposite reports whether the kind is a map or a list.
func (k Kind) IsComposite() bool {
	return k == KindMap || k == KindList
}

// ErrUnsupportedType is returned by Normalize for values that have no
// snapshot representation (channels, functions, structs, ...).
var ErrUnsupportedType = errors.New("unsupported snapshot value type")

// KindOf returns the kind of an already-normalized value.
func KindOf(v Value) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case map[string]any:
		return KindMap
	case []any:
		return KindList
	default:
		return KindInvalid
	}
}

// Normalize converts common Go values into snapshot values.
//
// Description:
//
//	Integer and float32 types become float64, json.Number is parsed,
//	[]string / []float64 / map[string]string and friends become List / Map.
//	The result never aliases the input's composites.
//
// Inputs:
//
//	v - The value to convert.
//
// Outputs:
//
//	Value - The normalized value.
//	error - ErrUnsupportedType if v (or any nested value) cannot be represented.
func Normalize(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrUnsupportedType)
		}
		return t, nil
	case float32:
		return Normalize(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		return f, nil
	case map[string]any:
		out := make(Map, len(t))
		for k, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(Map, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case []any:
		out := make(List, len(t))
		for i, child := range t {
			n, err := Normalize(child)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make(List, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make(List, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, nil
	case []Map:
		out := make(List, len(t))
		for i, m := range t {
			n, err := Normalize(m)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// Clone returns a deep copy of v. Scalars are returned as-is.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(Map, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make(List, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// CloneMap is Clone specialized to maps. A nil input yields an empty map.
func CloneMap(m Map) Map {
	if m == nil {
		return Map{}
	}
	return Clone(m).(Map)
}

// Equal reports deep value equality of two normalized values.
//
// Map key order is irrelevant; list order is significant. Numbers compare
// as float64.
func Equal(a, b Value) bool {
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case float64:
		bt, ok := b.(float64)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode serializes a snapshot as JSON.
func Encode(v Value) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses JSON into a normalized snapshot value.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return Normalize(raw)
}

// DecodeMap parses JSON that must contain an object at the top level.
func DecodeMap(data []byte) (Map, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("decode snapshot: top-level value is %s, want map", KindOf(v))
	}
	return m, nil
}

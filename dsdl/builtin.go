// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the builtin-form bridge used to move generated DSDL
// values in and out of JSON/YAML-friendly trees of map[string]any and
// []any. Byte arrays become a string or a []any of int64; other scalar
// field values keep the Go type their attribute accessor returns.

package dsdl

import (
	"fmt"
	"unicode"
)

// ToBuiltin maps a generated object to a recursive builtin structure.
// String-like byte arrays (every element printable) decode to a Go
// string rather than a []any of small integers.
func ToBuiltin(obj Serializable) (any, error) {
	m := obj.DSDLModel()
	acc, ok := obj.(AttributeAccessor)
	if !ok {
		return nil, fmt.Errorf("dsdl: %T does not support attribute access", obj)
	}
	out := map[string]any{}
	for _, f := range m.Fields {
		v, ok := acc.GetDSDLAttribute(f.Name)
		if !ok {
			v, ok = acc.GetDSDLAttribute(f.Name + "_")
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q on %T", ErrUnknownAttribute, f.Name, obj)
		}
		bv, err := toBuiltinValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = bv
	}
	return out, nil
}

func toBuiltinValue(v any) (any, error) {
	switch x := v.(type) {
	case Serializable:
		return ToBuiltin(x)
	case []byte:
		if allPrintable(x) {
			return string(x), nil
		}
		arr := make([]any, len(x))
		for i, b := range x {
			arr[i] = int64(b)
		}
		return arr, nil
	case []Serializable:
		arr := make([]any, len(x))
		for i, e := range x {
			bv, err := ToBuiltin(e)
			if err != nil {
				return nil, err
			}
			arr[i] = bv
		}
		return arr, nil
	default:
		return v, nil
	}
}

func allPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c > unicode.MaxASCII || !unicode.IsPrint(rune(c)) {
			return false
		}
	}
	return true
}

// UpdateFromBuiltin writes fields from src (as produced by ToBuiltin,
// or hand-authored) into dest. src may be a map[string]any (named
// form) or a []any (positional form, matched against dest's fields in
// declaration order). A positional singleton (len(src) == 1, and that
// element is not itself a composite) is propagated into dest's first
// field if that field can accept it directly; this lets a caller
// write e.g. update_from_builtin(health, 1) instead of
// update_from_builtin(health, {"value": 1}) for a single-field type.
func UpdateFromBuiltin(dest Serializable, src any) error {
	acc, ok := dest.(AttributeAccessor)
	if !ok {
		return fmt.Errorf("dsdl: %T does not support attribute access", dest)
	}
	m := dest.DSDLModel()

	switch s := src.(type) {
	case map[string]any:
		for name, v := range s {
			f := findField(m, name)
			if f == nil {
				return fmt.Errorf("%w: %q is not a field of %T", ErrUnknownAttribute, name, dest)
			}
			if err := setField(acc, f, v); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		return nil
	case []any:
		if len(s) == 1 && len(m.Fields) == 1 {
			return setField(acc, &m.Fields[0], s[0])
		}
		if len(s) > len(m.Fields) {
			return fmt.Errorf("dsdl: positional arity mismatch for %T: got %d, want at most %d", dest, len(s), len(m.Fields))
		}
		for i, v := range s {
			if err := setField(acc, &m.Fields[i], v); err != nil {
				return fmt.Errorf("field %q: %w", m.Fields[i].Name, err)
			}
		}
		return nil
	default:
		if len(m.Fields) == 1 {
			return setField(acc, &m.Fields[0], src)
		}
		return fmt.Errorf("dsdl: cannot update %T from a bare %T (type has %d fields)", dest, src, len(m.Fields))
	}
}

func findField(m *Model, name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

func setField(acc AttributeAccessor, f *Field, v any) error {
	if nested, ok := v.(map[string]any); ok && f.Nested != nil {
		cur, ok := acc.GetDSDLAttribute(f.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAttribute, f.Name)
		}
		curS, ok := cur.(Serializable)
		if !ok {
			return fmt.Errorf("dsdl: field %q is not a nested composite", f.Name)
		}
		if err := UpdateFromBuiltin(curS, nested); err != nil {
			return err
		}
		return acc.SetDSDLAttribute(f.Name, curS)
	}
	return acc.SetDSDLAttribute(f.Name, v)
}

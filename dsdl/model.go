// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the type-model access API: the way the transport and
// presentation layers obtain schema information from generated DSDL
// types without depending on a code generator's concrete output.

package dsdl

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// UnconfiguredPortID is the reserved "unconfigured" sentinel for a
// subject-ID or service-ID. Higher layers treat it as absent.
const UnconfiguredPortID uint16 = 65535

// Field describes one attribute of a composite type model.
type Field struct {
	Name        string
	BitLength   int  // 0 if this field's width is not a fixed scalar (e.g. nested composite/array)
	Nested      *Model
	ArrayLength int // -1 for a non-array field, >=0 for a fixed or variable-length array
	Variable    bool
}

// Model is the composite type model embedded in (or attached to) a
// generated class: PyDSDL's compiled schema reduced to what the
// serializer and presentation layers need at runtime.
type Model struct {
	FullName    string // dotted DSDL namespace, e.g. "uavcan.node.Heartbeat"
	Version     [2]uint8
	ExtentBytes int
	FixedPortID *uint16
	IsMessage   bool
	IsService   bool
	Delimited   bool // true if this composite uses delimited (length-prefixed) framing
	Fields      []Field
}

// Serializable is the collaborator interface a generated message or
// service-request/response class must implement so the core can
// (de)serialize it and introspect its model without reflection over
// unknown field layouts.
type Serializable interface {
	DSDLModel() *Model
	DSDLSerialize(s *Serializer) error
	DSDLDeserialize(d *Deserializer) error
}

// AttributeAccessor is an optional interface a generated type may
// implement to support GetAttribute/SetAttribute and the builtin
// bridge without per-field reflection. Types that strop a reserved Go
// identifier (e.g. a field literally named "type") expose it under
// name+"_"; GetAttribute/SetAttribute try the original DSDL name first
// and fall back to the stropped form.
type AttributeAccessor interface {
	GetDSDLAttribute(name string) (any, bool)
	SetDSDLAttribute(name string, value any) error
}

var (
	// ErrUnknownAttribute is returned by GetAttribute/SetAttribute when
	// neither the original nor the stropped name resolves.
	ErrUnknownAttribute = fmt.Errorf("dsdl: unknown attribute")
	// ErrTypeMismatch signals that GetClass found a class whose model
	// does not match the one requested (stale generated code).
	ErrTypeMismatch = fmt.Errorf("dsdl: generated class model does not match requested model")
)

// GetModel returns the composite type model embedded in a generated
// value.
func GetModel(obj Serializable) *Model { return obj.DSDLModel() }

// classRegistry maps a dotted DSDL full name (plus major/minor version)
// to the zero-value factory of the generated Go type. Generated
// packages populate it from init via RegisterClass.
var (
	classRegistryMu sync.Mutex
	classRegistry   = map[string]func() Serializable{}
)

func classKey(m *Model) string {
	return fmt.Sprintf("%s.%d.%d", m.FullName, m.Version[0], m.Version[1])
}

// RegisterClass records the generated type whose zero values newZero
// produces, so GetClass can find it by model. Called from the generated
// package's init.
func RegisterClass(newZero func() Serializable) {
	m := newZero().DSDLModel()
	classRegistryMu.Lock()
	defer classRegistryMu.Unlock()
	classRegistry[classKey(m)] = newZero
}

// GetClass finds the generated type corresponding to model by dotted
// namespace lookup and returns its zero-value factory. If a type is
// registered under the model's name but its embedded model does not
// match the one requested, the generated code is stale and
// ErrTypeMismatch is returned.
func GetClass(model *Model) (func() Serializable, error) {
	classRegistryMu.Lock()
	newZero, ok := classRegistry[classKey(model)]
	classRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dsdl: no generated class registered for %q", model.FullName)
	}
	found := newZero().DSDLModel()
	if found != model && !modelsEqual(found, model) {
		return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, model.FullName)
	}
	return newZero, nil
}

func modelsEqual(a, b *Model) bool {
	if a.FullName != b.FullName || a.Version != b.Version ||
		a.ExtentBytes != b.ExtentBytes || a.IsMessage != b.IsMessage ||
		a.IsService != b.IsService || a.Delimited != b.Delimited ||
		len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Name != b.Fields[i].Name {
			return false
		}
	}
	return true
}

// GetExtentBytes returns the upper bound, in bytes, on the serialized
// size of any value of obj's type.
func GetExtentBytes(obj Serializable) int { return obj.DSDLModel().ExtentBytes }

// GetFixedPortID returns the fixed port-ID defined for obj's type, if any.
func GetFixedPortID(obj Serializable) (uint16, bool) {
	m := obj.DSDLModel()
	if m.FixedPortID == nil {
		return 0, false
	}
	return *m.FixedPortID, true
}

// IsSerializable reports whether obj implements the Serializable contract.
func IsSerializable(obj any) bool {
	_, ok := obj.(Serializable)
	return ok
}

// IsMessageType/IsServiceType are structural predicates over a model.
func IsMessageType(obj Serializable) bool { return obj.DSDLModel().IsMessage }
func IsServiceType(obj Serializable) bool { return obj.DSDLModel().IsService }

// GetAttribute accesses a field by its original DSDL name, falling
// back to name+"_" for identifiers that collide with a Go reserved
// word or export rule.
func GetAttribute(obj Serializable, name string) (any, error) {
	acc, ok := obj.(AttributeAccessor)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not support attribute access", ErrUnknownAttribute, obj)
	}
	if v, ok := acc.GetDSDLAttribute(name); ok {
		return v, nil
	}
	if v, ok := acc.GetDSDLAttribute(name + "_"); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %q on %T", ErrUnknownAttribute, name, obj)
}

// SetAttribute mirrors GetAttribute for writes.
func SetAttribute(obj Serializable, name string, value any) error {
	acc, ok := obj.(AttributeAccessor)
	if !ok {
		return fmt.Errorf("%w: %T does not support attribute access", ErrUnknownAttribute, obj)
	}
	if err := acc.SetDSDLAttribute(name, value); err == nil {
		return nil
	}
	if err := acc.SetDSDLAttribute(name+"_", value); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %q on %T", ErrUnknownAttribute, name, obj)
}

// Serialize constructs a serializer sized to obj's extent, invokes the
// generated serializer, and returns the read-only buffer. The result
// is always non-nil, possibly a zero-length slice for an empty type.
func Serialize(obj Serializable) ([]byte, error) {
	s := NewSerializer(obj.DSDLModel().ExtentBytes)
	if err := obj.DSDLSerialize(s); err != nil {
		return nil, err
	}
	return s.Buffer(), nil
}

// Deserialize constructs a deserializer over the (already flattened)
// fragments and invokes the generated deserializer. A FormatError is
// caught here and converted to an absent result (ok=false, nil error)
// with an info-level log line. This function never fails for
// attacker-controlled input: a non-nil error indicates a bug in the
// caller or the generated code, never malformed wire data.
func Deserialize[T Serializable](newZero func() T, fragments [][]byte) (obj T, ok bool, err error) {
	flat := flatten(fragments)
	d := NewDeserializer(flat)
	obj = newZero()
	if err := obj.DSDLDeserialize(d); err != nil {
		var zero T
		if errors.Is(err, ErrFormatError) {
			log.Printf("dsdl: deserialize %T: %v", obj, err)
			return zero, false, nil
		}
		return zero, false, err
	}
	return obj, true, nil
}

func flatten(fragments [][]byte) []byte {
	n := 0
	for _, f := range fragments {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

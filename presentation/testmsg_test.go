// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package presentation

import "github.com/opencyphal-go/libcyphal/dsdl"

// scalarMsg is a minimal hand-written stand-in for a generated DSDL
// message: one saturated uint16 field. It exercises Publisher/
// Subscriber/Client/Server without depending on a DSDL code generator.
type scalarMsg struct {
	Value uint16
}

var scalarMsgModel = &dsdl.Model{
	FullName:    "test.Scalar",
	ExtentBytes: 2,
	IsMessage:   true,
}

func (m scalarMsg) DSDLModel() *dsdl.Model { return scalarMsgModel }

func (m scalarMsg) DSDLSerialize(s *dsdl.Serializer) error {
	return s.AddAlignedU16(m.Value)
}

func (m *scalarMsg) DSDLDeserialize(d *dsdl.Deserializer) error {
	v, err := d.FetchAlignedU16()
	if err != nil {
		return err
	}
	m.Value = v
	return nil
}

func newZeroScalar() *scalarMsg { return &scalarMsg{} }

// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsdl

import (
	"encoding/hex"
	"math"
	"strings"
	"testing"
)

// TestAlignedRoundTrip exercises scenario S1 from the specification.
func TestAlignedRoundTrip(t *testing.T) {
	s := NewSerializer(64)
	mustWrite := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	mustWrite(s.AddAlignedU8(0xA7))
	mustWrite(s.AddAlignedI64(0x1234567890ABCDEF))
	mustWrite(s.AddAlignedI32(-0x12345678))
	mustWrite(s.AddAlignedI16(-2))
	mustWrite(s.SkipBits(8)) // pad8
	mustWrite(s.AddAlignedI8(127))
	mustWrite(s.AddAlignedF64(1.0))
	mustWrite(s.AddAlignedF32(1.0))
	mustWrite(s.AddAlignedF16(99999.9))

	want, _ := hex.DecodeString(strings.ReplaceAll(
		"A7 EF CD AB 90 78 56 34 12 88 A9 CB ED FE FF 00 7F 00 00 00 00 00 00 F0 3F 00 00 80 3F 00 7C", " ", ""))
	got := s.Buffer()
	if len(got) < len(want) {
		t.Fatalf("buffer too short: got %d bytes, want at least %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}

	d := NewDeserializer(got[:len(want)])
	checkU8, _ := d.FetchAlignedU8()
	if checkU8 != 0xA7 {
		t.Errorf("u8 = 0x%x, want 0xA7", checkU8)
	}
	checkI64, _ := d.FetchAlignedI64()
	if checkI64 != 0x1234567890ABCDEF {
		t.Errorf("i64 = 0x%x", checkI64)
	}
	checkI32, _ := d.FetchAlignedI32()
	if checkI32 != -0x12345678 {
		t.Errorf("i32 = %d", checkI32)
	}
	checkI16, _ := d.FetchAlignedI16()
	if checkI16 != -2 {
		t.Errorf("i16 = %d", checkI16)
	}
	d.SkipBits(8)
	checkI8, _ := d.FetchAlignedI8()
	if checkI8 != 127 {
		t.Errorf("i8 = %d", checkI8)
	}
	f64, _ := d.FetchAlignedF64()
	if f64 != 1.0 {
		t.Errorf("f64 = %v", f64)
	}
	f32, _ := d.FetchAlignedF32()
	if f32 != 1.0 {
		t.Errorf("f32 = %v", f32)
	}
	f16, _ := d.FetchAlignedF16()
	if !math.IsInf(float64(f16), 1) {
		t.Errorf("f16 = %v, want +Inf (saturated)", f16)
	}
}

// TestUnalignedRoundTrip exercises scenario S2 from the specification.
func TestUnalignedRoundTrip(t *testing.T) {
	s := NewSerializer(8)
	if err := s.AddUnalignedUnsigned(0b111, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.AddUnalignedBytes([]byte{0x12, 0x34, 0x56}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddUnalignedUnsigned(0b10101, 5); err != nil {
		t.Fatal(err)
	}
	if s.BitLength() != 3+24+5 {
		t.Fatalf("bit length = %d, want 32", s.BitLength())
	}

	d := NewDeserializer(s.Buffer())
	v3, err := d.FetchUnalignedUnsigned(3)
	if err != nil || v3 != 0b111 {
		t.Fatalf("v3 = %v, %v", v3, err)
	}
	bs, err := d.FetchUnalignedBytes(3)
	if err != nil || bs[0] != 0x12 || bs[1] != 0x34 || bs[2] != 0x56 {
		t.Fatalf("bytes = %x, %v", bs, err)
	}
	v5, err := d.FetchUnalignedUnsigned(5)
	if err != nil || v5 != 0b10101 {
		t.Fatalf("v5 = %v, %v", v5, err)
	}
}

// TestImplicitZeroExtension exercises scenario S3 from the specification.
func TestImplicitZeroExtension(t *testing.T) {
	d := NewDeserializer(make([]byte, 3))
	if err := d.SkipBits(24); err != nil {
		t.Fatal(err)
	}
	v, err := d.FetchAlignedU64()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("fetch past end = %d, want 0", v)
	}
	if got := d.RemainingBitLength(); got != -64 {
		t.Errorf("RemainingBitLength() = %d, want -64", got)
	}
}

func TestForkBytesRoundTrip(t *testing.T) {
	s := NewSerializer(16)
	fork, err := s.ForkBytes(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := fork.AddAlignedBytes([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(4); err != nil {
		t.Fatal(err)
	}

	direct := NewSerializer(16)
	if err := direct.AddAlignedBytes([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	if string(s.Buffer()) != string(direct.Buffer()) {
		t.Errorf("forked write = %x, want %x", s.Buffer(), direct.Buffer())
	}
}

func TestForkBytesRejectsMisalignment(t *testing.T) {
	s := NewSerializer(16)
	if err := s.AddUnalignedBit(true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ForkBytes(4); err == nil {
		t.Error("expected error forking a misaligned serializer")
	}
}

func TestDelimitedHeaderRoundTrip(t *testing.T) {
	s := NewSerializer(32)
	fork, finish, err := s.WriteDelimitedHeader(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := fork.AddAlignedBytes([]byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatal(err)
	}
	if err := finish(); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAlignedU8(0xff); err != nil {
		t.Fatal(err)
	}

	d := NewDeserializer(s.Buffer())
	nested, advance, err := d.ReadDelimitedHeader()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := nested.FetchAlignedBytes(3)
	if string(got) != string([]byte{0xaa, 0xbb, 0xcc}) {
		t.Errorf("nested = %x", got)
	}
	if err := advance(); err != nil {
		t.Fatal(err)
	}
	trailer, err := d.FetchAlignedU8()
	if err != nil || trailer != 0xff {
		t.Errorf("trailer = %v, %v", trailer, err)
	}
}

func TestReadDelimitedHeaderRejectsOversizedLength(t *testing.T) {
	s := NewSerializer(8)
	s.AddAlignedU32(100)
	d := NewDeserializer(s.Buffer())
	if _, _, err := d.ReadDelimitedHeader(); err == nil {
		t.Error("expected a format error for an oversized length header")
	}
}

func TestAddAlignedSignedReinterpretsNegative(t *testing.T) {
	s := NewSerializer(8)
	if err := s.AddAlignedSigned(-1, 8); err != nil {
		t.Fatal(err)
	}
	if s.Buffer()[0] != 0xff {
		t.Errorf("got 0x%x, want 0xff", s.Buffer()[0])
	}
	d := NewDeserializer(s.Buffer())
	v, err := d.FetchAlignedSigned(8)
	if err != nil || v != -1 {
		t.Errorf("round trip = %d, %v", v, err)
	}
}

func TestArrayOfBitsOccupiesExactlyItsLength(t *testing.T) {
	s := NewSerializer(8)
	bits := []bool{true, false, true, true, false}
	if err := s.AddAlignedArrayOfBits(bits); err != nil {
		t.Fatal(err)
	}
	if s.BitLength() != 5 {
		t.Fatalf("bit length = %d, want 5", s.BitLength())
	}
	if err := s.AddUnalignedBit(true); err != nil {
		t.Fatal(err)
	}

	d := NewDeserializer(s.Buffer())
	got, err := d.FetchAlignedArrayOfBits(5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range bits {
		if got[i] != bits[i] {
			t.Errorf("bit %d = %v, want %v", i, got[i], bits[i])
		}
	}
	trailer, err := d.FetchUnalignedBit()
	if err != nil || !trailer {
		t.Errorf("trailing bit = %v, %v", trailer, err)
	}
}

func TestNegativeCardinalitiesAreRejected(t *testing.T) {
	d := NewDeserializer(make([]byte, 4))
	if _, err := d.FetchAlignedBytes(-1); err == nil {
		t.Error("expected InvalidValue for negative length")
	}
	if _, err := d.FetchAlignedUnsigned(-1); err == nil {
		t.Error("expected InvalidValue for negative bit length")
	}
}

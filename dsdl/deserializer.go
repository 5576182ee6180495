// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the Cyphal/DSDL bit-level deserializer, including the
// implicit zero extension (IZE) and implicit truncation rules.

package dsdl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFormatError signals that the serialized representation being
// decoded is invalid. It is the only error a top-level Deserialize
// caller is expected to see; it is caught there and converted to a nil
// result. Any other error out of this package indicates a bug in the
// caller (e.g. a negative cardinality), not a malformed wire value.
var ErrFormatError = errors.New("dsdl: invalid serialized representation")

// Deserializer reads a single DSDL value out of an immutable buffer.
// Reads past the logical end of the buffer return zero bytes/bits
// rather than failing (implicit zero extension); RemainingBitLength
// may go negative as a result.
type Deserializer struct {
	buf    []byte
	bitOff int
}

// NewDeserializer constructs a deserializer over a single contiguous
// byte slice. Fragmented transfer payloads must be flattened by the
// caller before construction (the top-level Deserialize does this for
// the fragments it is given).
func NewDeserializer(buf []byte) *Deserializer {
	return &Deserializer{buf: buf}
}

func (d *Deserializer) byteOff() int { return d.bitOff / 8 }

// RemainingBitLength returns the number of bits left before the
// logical end of the buffer; it may be negative once IZE has kicked in.
func (d *Deserializer) RemainingBitLength() int {
	return len(d.buf)*8 - d.bitOff
}

func (d *Deserializer) requireAligned() error {
	if d.bitOff%8 != 0 {
		return fmt.Errorf("%w: cursor is not byte-aligned", ErrInvalidValue)
	}
	return nil
}

func (d *Deserializer) FetchAlignedU8() (uint8, error) {
	b, err := d.fetchAlignedBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Deserializer) FetchAlignedU16() (uint16, error) {
	b, err := d.fetchAlignedBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Deserializer) FetchAlignedU32() (uint32, error) {
	b, err := d.fetchAlignedBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Deserializer) FetchAlignedU64() (uint64, error) {
	b, err := d.fetchAlignedBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Deserializer) FetchAlignedI8() (int8, error) {
	v, err := d.FetchAlignedU8()
	return int8(v), err
}
func (d *Deserializer) FetchAlignedI16() (int16, error) {
	v, err := d.FetchAlignedU16()
	return int16(v), err
}
func (d *Deserializer) FetchAlignedI32() (int32, error) {
	v, err := d.FetchAlignedU32()
	return int32(v), err
}
func (d *Deserializer) FetchAlignedI64() (int64, error) {
	v, err := d.FetchAlignedU64()
	return int64(v), err
}

func (d *Deserializer) FetchAlignedF16() (float32, error) {
	v, err := d.FetchAlignedU16()
	if err != nil {
		return 0, err
	}
	return float16BitsToFloat32(v), nil
}

func (d *Deserializer) FetchAlignedF32() (float32, error) {
	v, err := d.FetchAlignedU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (d *Deserializer) FetchAlignedF64() (float64, error) {
	v, err := d.FetchAlignedU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// FetchAlignedUnsigned reads bitLength bits as an unsigned value.
func (d *Deserializer) FetchAlignedUnsigned(bitLength int) (uint64, error) {
	if bitLength < 0 {
		return 0, fmt.Errorf("%w: negative bit length", ErrInvalidValue)
	}
	return d.fetchUnsignedBits(bitLength)
}

// FetchAlignedSigned reads bitLength bits (bitLength >= 2) and
// translates u >= 2^(n-1) to u - 2^n.
func (d *Deserializer) FetchAlignedSigned(bitLength int) (int64, error) {
	if bitLength < 2 {
		return 0, fmt.Errorf("%w: signed bit length must be >= 2", ErrInvalidValue)
	}
	u, err := d.fetchUnsignedBits(bitLength)
	if err != nil {
		return 0, err
	}
	return unsignedToSigned(u, bitLength), nil
}

func (d *Deserializer) FetchAlignedBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	return d.fetchAlignedBytes(n)
}

// FetchAlignedArrayOfBits reads exactly n bits LSB-first; the cursor
// is left unaligned if n is not a multiple of eight.
func (d *Deserializer) FetchAlignedArrayOfBits(n int) ([]bool, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	if err := d.requireAligned(); err != nil {
		return nil, err
	}
	return d.FetchUnalignedArrayOfBits(n)
}

// FetchUnalignedArrayOfBits is FetchAlignedArrayOfBits without the
// alignment precondition.
func (d *Deserializer) FetchUnalignedArrayOfBits(n int) ([]bool, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	res := make([]bool, n)
	for i := 0; i < n; i++ {
		b, err := d.FetchUnalignedBit()
		if err != nil {
			return nil, err
		}
		res[i] = b
	}
	return res, nil
}

// FetchAlignedArrayOfStandardBitLengthPrimitives reads n packed values
// of elemBits (one of 8/16/32/64) each.
func (d *Deserializer) FetchAlignedArrayOfStandardBitLengthPrimitives(elemBits, n int) ([]uint64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	if err := d.requireAligned(); err != nil {
		return nil, err
	}
	res := make([]uint64, n)
	for i := 0; i < n; i++ {
		var v uint64
		var err error
		switch elemBits {
		case 8:
			var x uint8
			x, err = d.FetchAlignedU8()
			v = uint64(x)
		case 16:
			var x uint16
			x, err = d.FetchAlignedU16()
			v = uint64(x)
		case 32:
			var x uint32
			x, err = d.FetchAlignedU32()
			v = uint64(x)
		case 64:
			v, err = d.FetchAlignedU64()
		default:
			return nil, fmt.Errorf("%w: not a standard bit length: %d", ErrInvalidValue, elemBits)
		}
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

func (d *Deserializer) FetchUnalignedBit() (bool, error) {
	byteIdx := d.byteOff()
	var bit bool
	if byteIdx < len(d.buf) {
		bit = d.buf[byteIdx]&(1<<uint(d.bitOff%8)) != 0
	}
	// Implicit zero extension: past the end, bit is false.
	d.bitOff++
	return bit, nil
}

func (d *Deserializer) FetchUnalignedUnsigned(bitLength int) (uint64, error) {
	if bitLength < 0 {
		return 0, fmt.Errorf("%w: negative bit length", ErrInvalidValue)
	}
	return d.fetchUnsignedBits(bitLength)
}

func (d *Deserializer) FetchUnalignedSigned(bitLength int) (int64, error) {
	if bitLength < 2 {
		return 0, fmt.Errorf("%w: signed bit length must be >= 2", ErrInvalidValue)
	}
	u, err := d.fetchUnsignedBits(bitLength)
	if err != nil {
		return 0, err
	}
	return unsignedToSigned(u, bitLength), nil
}

func (d *Deserializer) FetchUnalignedU8() (uint8, error) {
	v, err := d.fetchUnsignedBits(8)
	return uint8(v), err
}
func (d *Deserializer) FetchUnalignedU16() (uint16, error) {
	v, err := d.fetchUnsignedBits(16)
	return uint16(v), err
}
func (d *Deserializer) FetchUnalignedU32() (uint32, error) {
	v, err := d.fetchUnsignedBits(32)
	return uint32(v), err
}
func (d *Deserializer) FetchUnalignedU64() (uint64, error) {
	return d.fetchUnsignedBits(64)
}

func (d *Deserializer) FetchUnalignedI8() (int8, error) {
	v, err := d.FetchUnalignedU8()
	return int8(v), err
}
func (d *Deserializer) FetchUnalignedI16() (int16, error) {
	v, err := d.FetchUnalignedU16()
	return int16(v), err
}
func (d *Deserializer) FetchUnalignedI32() (int32, error) {
	v, err := d.FetchUnalignedU32()
	return int32(v), err
}
func (d *Deserializer) FetchUnalignedI64() (int64, error) {
	v, err := d.FetchUnalignedU64()
	return int64(v), err
}

func (d *Deserializer) FetchUnalignedF16() (float32, error) {
	v, err := d.FetchUnalignedU16()
	if err != nil {
		return 0, err
	}
	return float16BitsToFloat32(v), nil
}
func (d *Deserializer) FetchUnalignedF32() (float32, error) {
	v, err := d.FetchUnalignedU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}
func (d *Deserializer) FetchUnalignedF64() (float64, error) {
	v, err := d.FetchUnalignedU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// FetchUnalignedArrayOfStandardBitLengthPrimitives is the unaligned
// counterpart of FetchAlignedArrayOfStandardBitLengthPrimitives.
func (d *Deserializer) FetchUnalignedArrayOfStandardBitLengthPrimitives(elemBits, n int) ([]uint64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	switch elemBits {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: not a standard bit length: %d", ErrInvalidValue, elemBits)
	}
	res := make([]uint64, n)
	for i := 0; i < n; i++ {
		v, err := d.fetchUnsignedBits(elemBits)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

func (d *Deserializer) FetchUnalignedBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length", ErrInvalidValue)
	}
	res := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := d.fetchUnsignedBits(8)
		if err != nil {
			return nil, err
		}
		res[i] = byte(v)
	}
	return res, nil
}

// SkipBits advances the cursor by n bits without reading; the skipped
// region may run past the logical end (IZE applies).
func (d *Deserializer) SkipBits(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative skip", ErrInvalidValue)
	}
	d.bitOff += n
	return nil
}

func (d *Deserializer) PadToAlignment(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: non-positive alignment", ErrInvalidValue)
	}
	rem := d.bitOff % n
	if rem == 0 {
		return nil
	}
	return d.SkipBits(n - rem)
}

// ForkBytes returns a deserializer over exactly sizeBytes, for reading
// a delimited nested value. The cursor must be byte-aligned and
// sizeBytes must not exceed the bytes actually remaining (the caller,
// normally ReadDelimitedHeader, is responsible for clamping against
// the outer length header per the IZE/truncation contract).
func (d *Deserializer) ForkBytes(sizeBytes int) (*Deserializer, error) {
	if err := d.requireAligned(); err != nil {
		return nil, err
	}
	if sizeBytes < 0 {
		return nil, fmt.Errorf("%w: negative fork size", ErrInvalidValue)
	}
	off := d.byteOff()
	remaining := len(d.buf) - off
	if sizeBytes > remaining {
		return nil, fmt.Errorf("%w: fork size exceeds remaining buffer", ErrInvalidValue)
	}
	return &Deserializer{buf: d.buf[off : off+sizeBytes]}, nil
}

// ReadDelimitedHeader implements the delimited-type receive protocol:
// read a 32-bit little-endian length header L; if L exceeds the bytes
// remaining in the outer buffer, that is a FormatError (an invalid
// serialization, not a bug). Fork min(L, remaining) bytes for the
// nested value and return a function to advance the outer cursor by L
// once the caller is done with the fork.
func (d *Deserializer) ReadDelimitedHeader() (fork *Deserializer, advance func() error, err error) {
	if err := d.requireAligned(); err != nil {
		return nil, nil, err
	}
	l, err := d.FetchAlignedU32()
	if err != nil {
		return nil, nil, err
	}
	remaining := len(d.buf) - d.byteOff()
	if remaining < 0 {
		remaining = 0
	}
	if int(l) > remaining {
		return nil, nil, fmt.Errorf("%w: delimited length %d exceeds remaining %d bytes", ErrFormatError, l, remaining)
	}
	if l == 0 {
		// Empty nested value; the header itself may have been read
		// past the end of the buffer under implicit zero extension.
		fork = NewDeserializer(nil)
	} else {
		fork, err = d.ForkBytes(int(l))
		if err != nil {
			return nil, nil, err
		}
	}
	advance = func() error {
		return d.SkipBits(int(l) * 8)
	}
	return fork, advance, nil
}

func (d *Deserializer) fetchAlignedBytes(n int) ([]byte, error) {
	if err := d.requireAligned(); err != nil {
		return nil, err
	}
	off := d.byteOff()
	res := make([]byte, n)
	for i := 0; i < n; i++ {
		if off+i < len(d.buf) {
			res[i] = d.buf[off+i]
		}
		// else: implicit zero extension.
	}
	d.bitOff += n * 8
	return res, nil
}

func (d *Deserializer) fetchUnsignedBits(bitLength int) (uint64, error) {
	var v uint64
	for i := 0; i < bitLength; i++ {
		bit, err := d.FetchUnalignedBit()
		if err != nil {
			return 0, err
		}
		if bit {
			v |= uint64(1) << uint(i)
		}
	}
	return v, nil
}

func unsignedToSigned(u uint64, bitLength int) int64 {
	half := uint64(1) << uint(bitLength-1)
	if u >= half {
		return int64(u) - int64(uint64(1)<<uint(bitLength))
	}
	return int64(u)
}

func float16BitsToFloat32(bits uint16) float32 {
	sign := uint32(bits&0x8000) << 16
	exp := (bits >> 10) & 0x1f
	mant := uint32(bits & 0x3ff)

	switch {
	case exp == 0x1f:
		if mant == 0 {
			return math.Float32frombits(sign | 0x7f800000)
		}
		return math.Float32frombits(sign | 0x7fc00000)
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal binary16: normalize manually.
		e := -1
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		exp32 := uint32(int32(e) + 127 - 15 + 1)
		return math.Float32frombits(sign | exp32<<23 | mant<<13)
	default:
		exp32 := uint32(int32(exp) - 15 + 127)
		return math.Float32frombits(sign | exp32<<23 | mant<<13)
	}
}

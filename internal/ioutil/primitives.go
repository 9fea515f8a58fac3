// Package ioutil provides little-endian numeric and string primitives shared
// by the packet, element and bundle layers. Every function here operates on a
// plain byte slice and an explicit offset rather than an io.Reader/Writer, so
// callers that already hold a packet buffer never need an intermediate copy.
package ioutil

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrShortBuffer is returned when a read would run past the end of buf.
	ErrShortBuffer = errors.New("ioutil: short buffer")
	// ErrStringTooLong is returned when a string/blob exceeds the rich-length encoding range.
	ErrStringTooLong = errors.New("ioutil: string exceeds maximum encodable length")
	// ErrUnterminated is returned when a C-string scan runs off the end of buf without a NUL.
	ErrUnterminated = errors.New("ioutil: unterminated C-string")
)

func need(buf []byte, off, n int) error {
	if off < 0 || n < 0 || off+n > len(buf) {
		return ErrShortBuffer
	}
	return nil
}

// PutU8 writes a single byte at off.
func PutU8(buf []byte, off int, v uint8) { buf[off] = v }

// U8 reads a single byte at off.
func U8(buf []byte, off int) (uint8, error) {
	if err := need(buf, off, 1); err != nil {
		return 0, err
	}
	return buf[off], nil
}

// PutI8 writes a signed byte at off.
func PutI8(buf []byte, off int, v int8) { buf[off] = byte(v) }

// I8 reads a signed byte at off.
func I8(buf []byte, off int) (int8, error) {
	v, err := U8(buf, off)
	return int8(v), err
}

// PutU16 writes a little-endian uint16 at off.
func PutU16(buf []byte, off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }

// U16 reads a little-endian uint16 at off.
func U16(buf []byte, off int) (uint16, error) {
	if err := need(buf, off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[off:]), nil
}

// PutI16 writes a little-endian int16 at off.
func PutI16(buf []byte, off int, v int16) { PutU16(buf, off, uint16(v)) }

// I16 reads a little-endian int16 at off.
func I16(buf []byte, off int) (int16, error) {
	v, err := U16(buf, off)
	return int16(v), err
}

// PutU32 writes a little-endian uint32 at off.
func PutU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

// U32 reads a little-endian uint32 at off.
func U32(buf []byte, off int) (uint32, error) {
	if err := need(buf, off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[off:]), nil
}

// PutI32 writes a little-endian int32 at off.
func PutI32(buf []byte, off int, v int32) { PutU32(buf, off, uint32(v)) }

// I32 reads a little-endian int32 at off.
func I32(buf []byte, off int) (int32, error) {
	v, err := U32(buf, off)
	return int32(v), err
}

// PutU64 writes a little-endian uint64 at off.
func PutU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

// U64 reads a little-endian uint64 at off.
func U64(buf []byte, off int) (uint64, error) {
	if err := need(buf, off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[off:]), nil
}

// PutI64 writes a little-endian int64 at off.
func PutI64(buf []byte, off int, v int64) { PutU64(buf, off, uint64(v)) }

// I64 reads a little-endian int64 at off.
func I64(buf []byte, off int) (int64, error) {
	v, err := U64(buf, off)
	return int64(v), err
}

// PutF32 writes a little-endian float32 at off.
func PutF32(buf []byte, off int, v float32) { PutU32(buf, off, math.Float32bits(v)) }

// F32 reads a little-endian float32 at off.
func F32(buf []byte, off int) (float32, error) {
	v, err := U32(buf, off)
	return math.Float32frombits(v), err
}

// PutF64 writes a little-endian float64 at off.
func PutF64(buf []byte, off int, v float64) { PutU64(buf, off, math.Float64bits(v)) }

// F64 reads a little-endian float64 at off.
func F64(buf []byte, off int) (float64, error) {
	v, err := U64(buf, off)
	return math.Float64frombits(v), err
}

// PutU24 writes a packed 3-byte little-endian unsigned integer at off.
// The top byte of v is ignored; values must fit in 24 bits.
func PutU24(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
}

// U24 reads a packed 3-byte little-endian unsigned integer at off.
func U24(buf []byte, off int) (uint32, error) {
	if err := need(buf, off, 3); err != nil {
		return 0, err
	}
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16, nil
}

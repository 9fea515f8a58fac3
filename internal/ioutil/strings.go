package ioutil

import "bytes"

// Vec2, Vec3 and Vec4 mirror the engine's f32 vector primitives. They carry
// no methods beyond construction; callers that need vector math convert to
// whatever math package their entity layer already uses.
type Vec2 struct{ X, Y float32 }
type Vec3 struct{ X, Y, Z float32 }
type Vec4 struct{ X, Y, Z, W float32 }

// PutVec2 writes a Vec2 (8 bytes) at off.
func PutVec2(buf []byte, off int, v Vec2) {
	PutF32(buf, off, v.X)
	PutF32(buf, off+4, v.Y)
}

// ReadVec2 reads a Vec2 (8 bytes) at off.
func ReadVec2(buf []byte, off int) (Vec2, error) {
	if err := need(buf, off, 8); err != nil {
		return Vec2{}, err
	}
	x, _ := F32(buf, off)
	y, _ := F32(buf, off+4)
	return Vec2{x, y}, nil
}

// PutVec3 writes a Vec3 (12 bytes) at off.
func PutVec3(buf []byte, off int, v Vec3) {
	PutF32(buf, off, v.X)
	PutF32(buf, off+4, v.Y)
	PutF32(buf, off+8, v.Z)
}

// ReadVec3 reads a Vec3 (12 bytes) at off.
func ReadVec3(buf []byte, off int) (Vec3, error) {
	if err := need(buf, off, 12); err != nil {
		return Vec3{}, err
	}
	x, _ := F32(buf, off)
	y, _ := F32(buf, off+4)
	z, _ := F32(buf, off+8)
	return Vec3{x, y, z}, nil
}

// PutVec4 writes a Vec4 (16 bytes) at off.
func PutVec4(buf []byte, off int, v Vec4) {
	PutF32(buf, off, v.X)
	PutF32(buf, off+4, v.Y)
	PutF32(buf, off+8, v.Z)
	PutF32(buf, off+12, v.W)
}

// ReadVec4 reads a Vec4 (16 bytes) at off.
func ReadVec4(buf []byte, off int) (Vec4, error) {
	if err := need(buf, off, 16); err != nil {
		return Vec4{}, err
	}
	x, _ := F32(buf, off)
	y, _ := F32(buf, off+4)
	z, _ := F32(buf, off+8)
	w, _ := F32(buf, off+12)
	return Vec4{x, y, z, w}, nil
}

// SockAddrV4 is the engine's wire representation of an IPv4 endpoint:
// a big-endian-looking but actually network-order u32 ip, a u16 port and
// two bytes of padding. Both fields are stored network byte order (as the
// engine reads them directly into a sockaddr_in), unlike every other
// primitive in this package which is little-endian.
type SockAddrV4 struct {
	IP   [4]byte
	Port uint16
}

// PutSockAddrV4 writes an 8-byte SockAddrV4 at off (ip, port, 2 bytes zero pad).
func PutSockAddrV4(buf []byte, off int, a SockAddrV4) {
	copy(buf[off:off+4], a.IP[:])
	buf[off+4] = byte(a.Port >> 8)
	buf[off+5] = byte(a.Port)
	buf[off+6] = 0
	buf[off+7] = 0
}

// ReadSockAddrV4 reads an 8-byte SockAddrV4 at off.
func ReadSockAddrV4(buf []byte, off int) (SockAddrV4, error) {
	if err := need(buf, off, 8); err != nil {
		return SockAddrV4{}, err
	}
	var a SockAddrV4
	copy(a.IP[:], buf[off:off+4])
	a.Port = uint16(buf[off+4])<<8 | uint16(buf[off+5])
	return a, nil
}

// FixedString reads an N-byte ASCII field, trimmed at the first NUL byte.
func FixedString(buf []byte, off, n int) (string, error) {
	if err := need(buf, off, n); err != nil {
		return "", err
	}
	field := buf[off : off+n]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field), nil
}

// PutFixedString writes s into an N-byte field, zero-padding or truncating
// to fit. s is never NUL-terminated beyond the implicit zero padding.
func PutFixedString(buf []byte, off, n int, s string) {
	field := buf[off : off+n]
	clear(field)
	copy(field, s)
}

// RichLength reads the engine's variable-width collection-length encoding:
// a single byte when < 0xFF, otherwise byte 0xFF followed by a packed 24-bit
// length. Returns the decoded length and the number of bytes the encoding
// occupied.
func RichLength(buf []byte, off int) (length uint32, consumed int, err error) {
	b, err := U8(buf, off)
	if err != nil {
		return 0, 0, err
	}
	if b != 0xFF {
		return uint32(b), 1, nil
	}
	l, err := U24(buf, off+1)
	if err != nil {
		return 0, 0, err
	}
	return l, 4, nil
}

// PutRichLength writes length using the engine's variable-width encoding and
// returns the number of bytes written.
func PutRichLength(buf []byte, off int, length uint32) (consumed int, err error) {
	if length < 0xFF {
		PutU8(buf, off, uint8(length))
		return 1, nil
	}
	if length > 0xFFFFFF {
		return 0, ErrStringTooLong
	}
	PutU8(buf, off, 0xFF)
	PutU24(buf, off+1, length)
	return 4, nil
}

// RichLengthSize returns the number of bytes PutRichLength would consume for length.
func RichLengthSize(length uint32) int {
	if length < 0xFF {
		return 1
	}
	return 4
}

// LengthPrefixedBytes reads a rich-length-prefixed blob at off, returning the
// blob and the total number of bytes consumed (prefix + payload).
func LengthPrefixedBytes(buf []byte, off int) (data []byte, consumed int, err error) {
	length, prefixLen, err := RichLength(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if err := need(buf, off+prefixLen, int(length)); err != nil {
		return nil, 0, err
	}
	return buf[off+prefixLen : off+prefixLen+int(length)], prefixLen + int(length), nil
}

// PutLengthPrefixedBytes writes data as a rich-length-prefixed blob at off
// and returns the number of bytes written.
func PutLengthPrefixedBytes(buf []byte, off int, data []byte) (int, error) {
	n, err := PutRichLength(buf, off, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	copy(buf[off+n:], data)
	return n + len(data), nil
}

// LengthPrefixedString is LengthPrefixedBytes decoded as a string.
func LengthPrefixedString(buf []byte, off int) (s string, consumed int, err error) {
	data, n, err := LengthPrefixedBytes(buf, off)
	if err != nil {
		return "", 0, err
	}
	return string(data), n, nil
}

// PutLengthPrefixedString is PutLengthPrefixedBytes for a string.
func PutLengthPrefixedString(buf []byte, off int, s string) (int, error) {
	return PutLengthPrefixedBytes(buf, off, []byte(s))
}

// PutLengthPrefixedStringAlloc allocates and returns a rich-length-prefixed
// encoding of s, for callers building up a payload incrementally rather than
// writing into a pre-sized buffer.
func PutLengthPrefixedStringAlloc(s string) []byte {
	buf := make([]byte, RichLengthSize(uint32(len(s)))+len(s))
	PutLengthPrefixedString(buf, 0, s)
	return buf
}

const cStringScanChunk = 32

// CString scans forward from off until a NUL byte and returns the string
// (excluding the NUL) plus the number of bytes consumed including the NUL.
func CString(buf []byte, off int) (s string, consumed int, err error) {
	if off > len(buf) {
		return "", 0, ErrShortBuffer
	}
	i := bytes.IndexByte(buf[off:], 0)
	if i < 0 {
		return "", 0, ErrUnterminated
	}
	return string(buf[off : off+i]), i + 1, nil
}

// CStringFast behaves like CString but scans in fixed-size chunks, matching
// the engine's chunked NUL scan used on its seekable readers. The byte-level
// result is identical to CString; this variant exists so the bundle/element
// layer can reposition a seekable reader in chunk-sized strides rather than
// one byte at a time when scanning a live stream rather than a flat buffer.
func CStringFast(buf []byte, off int) (s string, consumed int, err error) {
	if off > len(buf) {
		return "", 0, ErrShortBuffer
	}
	for chunkStart := off; chunkStart < len(buf); chunkStart += cStringScanChunk {
		end := min(chunkStart+cStringScanChunk, len(buf))
		if i := bytes.IndexByte(buf[chunkStart:end], 0); i >= 0 {
			pos := chunkStart + i
			return string(buf[off:pos]), pos - off + 1, nil
		}
	}
	return "", 0, ErrUnterminated
}

// PutCString writes s followed by a single NUL terminator and returns the
// number of bytes written.
func PutCString(buf []byte, off int, s string) int {
	n := copy(buf[off:], s)
	buf[off+n] = 0
	return n + 1
}

// PickleBlob is an opaque, pre-serialized payload produced by whatever
// pickler the entity layer is configured with. The core never inspects its
// contents; it is carried as a length-prefixed blob like any other variable
// field.
type PickleBlob []byte

// ReadPickleBlob reads a rich-length-prefixed pickle blob at off.
func ReadPickleBlob(buf []byte, off int) (PickleBlob, int, error) {
	data, n, err := LengthPrefixedBytes(buf, off)
	if err != nil {
		return nil, 0, err
	}
	return PickleBlob(data), n, nil
}

// PutPickleBlob writes b as a rich-length-prefixed blob at off.
func PutPickleBlob(buf []byte, off int, b PickleBlob) (int, error) {
	return PutLengthPrefixedBytes(buf, off, []byte(b))
}

package ioutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntRoundTrip(t *testing.T) {
	buf := make([]byte, 32)

	PutU16(buf, 0, 0xBEEF)
	v16, err := U16(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	PutU32(buf, 2, 0xDEADBEEF)
	v32, err := U32(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	PutI32(buf, 6, -12345)
	i32, err := I32(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, int32(-12345), i32)

	PutU64(buf, 10, 0x0102030405060708)
	v64, err := U64(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	PutF32(buf, 18, 3.5)
	f32, err := F32(buf, 18)
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f32)
}

func TestU24RoundTrip(t *testing.T) {
	buf := make([]byte, 3)
	PutU24(buf, 0, 0x00ABCDEF&0xFFFFFF)
	v, err := U24(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCDEF), v)
}

func TestShortBuffer(t *testing.T) {
	buf := make([]byte, 2)
	_, err := U32(buf, 0)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestFixedString(t *testing.T) {
	buf := make([]byte, 16)
	PutFixedString(buf, 0, 16, "hello")
	s, err := FixedString(buf, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestRichLengthShort(t *testing.T) {
	buf := make([]byte, 8)
	n, err := PutRichLength(buf, 0, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	length, consumed, err := RichLength(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), length)
	assert.Equal(t, 1, consumed)
}

func TestRichLengthLong(t *testing.T) {
	buf := make([]byte, 8)
	n, err := PutRichLength(buf, 0, 0x1_0000)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, byte(0xFF), buf[0])

	length, consumed, err := RichLength(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1_0000), length)
	assert.Equal(t, 4, consumed)
}

func TestLengthPrefixedBytesRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, 4+len(payload))
	n, err := PutLengthPrefixedBytes(buf, 0, payload)
	require.NoError(t, err)

	data, consumed, err := LengthPrefixedBytes(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, n, consumed)
	assert.Equal(t, payload, data)
}

func TestCString(t *testing.T) {
	buf := append([]byte("abcdef"), 0, 'x')
	s, consumed, err := CString(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", s)
	assert.Equal(t, 7, consumed)
}

func TestCStringFastMatchesCString(t *testing.T) {
	buf := make([]byte, 100)
	for i := range buf {
		buf[i] = 'a'
	}
	buf[57] = 0

	s1, c1, err := CString(buf, 0)
	require.NoError(t, err)
	s2, c2, err := CStringFast(buf, 0)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Equal(t, c1, c2)
}

func TestCStringUnterminated(t *testing.T) {
	buf := []byte("noterminator")
	_, _, err := CString(buf, 0)
	assert.ErrorIs(t, err, ErrUnterminated)
}

func TestVecRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	PutVec3(buf, 0, Vec3{1, 2, 3})
	v, err := ReadVec3(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, Vec3{1, 2, 3}, v)
}

func TestSockAddrV4RoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	a := SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 20013}
	PutSockAddrV4(buf, 0, a)
	got, err := ReadSockAddrV4(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestCountingWriter(t *testing.T) {
	sink := &ByteSliceSink{}
	cw := NewCountingWriter(sink)
	n, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n2, err := cw.Write([]byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n2)
	assert.Equal(t, 11, cw.Count())
	assert.Equal(t, "hello world", string(sink.Buf))
}

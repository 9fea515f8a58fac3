package element

import (
	"bytes"
	"fmt"

	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// RequestHeaderLen is the size of the request-id and next-request-link pair
// that follows the length field whenever an element is marked as a request.
const RequestHeaderLen = 6

// Spec describes one element occurrence to be framed: its id, its length
// kind, whether it is a request, and (if so) the request id it carries. The
// next-request-link slot is always written as zero by BuildFrame; the bundle
// writer patches it in once it knows where the next request in the same
// packet will land.
type Spec struct {
	ID        byte
	Length    Length
	IsRequest bool
	RequestID uint32
	Payload   []byte
}

// HeaderLen returns the number of bytes, starting at the element id, that
// must live contiguously within a single packet: the id byte, the length
// field, and (if this is a request) the request-id/next-link pair. Everything
// after this point — any oversize true-length field and the payload itself —
// may spill across a packet boundary.
func (s Spec) HeaderLen() int {
	n := 1 + s.Length.FieldSize()
	if s.IsRequest {
		n += RequestHeaderLen
	}
	return n
}

// RequestLinkOffset returns the frame-relative offset of the two-byte
// next-request-link placeholder, valid only when s.IsRequest is true.
func (s Spec) RequestLinkOffset() int {
	return 1 + s.Length.FieldSize() + 4
}

// BuildFrame renders s into the exact bytes that belong in the bundle body:
// id, length field (escaped if the payload overruns a var8/var16 field),
// request-id and a zeroed next-link placeholder when IsRequest, and finally
// the payload — with its first four bytes displaced to the very end when the
// oversized escape fires.
func BuildFrame(s Spec) ([]byte, error) {
	trueLen := uint32(len(s.Payload))
	if s.Length.Kind == KindFixed && int(trueLen) != s.Length.Fixed {
		return nil, fmt.Errorf("element: id %#x: %w (want %d, got %d)", s.ID, ErrPayloadTooLarge, s.Length.Fixed, trueLen)
	}

	sentinel, hasSentinel := s.Length.sentinel()
	escape := hasSentinel && trueLen >= sentinel
	if escape && trueLen < 4 {
		return nil, fmt.Errorf("element: id %#x: oversized payload shorter than the 4-byte escape field", s.ID)
	}
	if !hasSentinel && s.Length.Kind != KindFixed {
		maxVal := uint32(1)<<(uint(s.Length.FieldSize())*8) - 1
		if trueLen > maxVal {
			return nil, fmt.Errorf("element: id %#x: %w", s.ID, ErrPayloadTooLarge)
		}
	}

	var buf bytes.Buffer
	buf.Grow(s.HeaderLen() + len(s.Payload) + 4)
	buf.WriteByte(s.ID)

	fieldSize := s.Length.FieldSize()
	if fieldSize > 0 {
		field := make([]byte, fieldSize)
		if escape {
			s.Length.writeField(field, 0, sentinel)
		} else {
			s.Length.writeField(field, 0, trueLen)
		}
		buf.Write(field)
	}

	if s.IsRequest {
		var reqHdr [RequestHeaderLen]byte
		ioutil.PutU32(reqHdr[:], 0, s.RequestID)
		ioutil.PutU16(reqHdr[:], 4, 0) // patched by the bundle writer
		buf.Write(reqHdr[:])
	}

	if escape {
		var trueLenBytes [4]byte
		ioutil.PutU32(trueLenBytes[:], 0, trueLen)
		buf.Write(trueLenBytes[:])
		buf.Write(s.Payload[4:])
		buf.Write(s.Payload[:4])
	} else {
		buf.Write(s.Payload)
	}

	return buf.Bytes(), nil
}

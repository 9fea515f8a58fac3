package element

import "fmt"

// DecodedLength is the result of reading an element's length field: the true
// payload length and how many extra header bytes (the 4-byte true-length
// field) the oversize escape consumed, if it fired.
type DecodedLength struct {
	TrueLen      uint32
	EscapeExtra  int // 4 when the oversize escape fired, else 0
}

// ReadLength decodes a length field at buf[off:] and reports whether the
// oversize escape fired. When it did, the caller must read EscapeExtra more
// bytes (the true length) before the payload begins: right after the length
// field, or after the request header when the element is a request.
func ReadLength(l Length, buf []byte, off int) (DecodedLength, error) {
	v, err := l.readField(buf, off)
	if err != nil {
		return DecodedLength{}, err
	}
	sentinel, hasSentinel := l.sentinel()
	if hasSentinel && v == sentinel {
		return DecodedLength{EscapeExtra: 4}, nil
	}
	return DecodedLength{TrueLen: v}, nil
}

// UndoEscape reassembles the original payload from its escaped wire form:
// body is the (trueLen-4)-byte middle section and displacedHead is the
// 4 bytes that were moved to the very end of the element.
func UndoEscape(body, displacedHead []byte) ([]byte, error) {
	if len(displacedHead) != 4 {
		return nil, fmt.Errorf("element: displaced head must be 4 bytes, got %d", len(displacedHead))
	}
	out := make([]byte, 4+len(body))
	copy(out, displacedHead)
	copy(out[4:], body)
	return out, nil
}

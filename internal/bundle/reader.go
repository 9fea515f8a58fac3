package bundle

import (
	"fmt"
	"io"

	"github.com/nullpointer-dev/bwnet/internal/element"
	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// Decoded is one element recovered from a bundle's packets.
type Decoded struct {
	ID        byte
	IsRequest bool
	RequestID uint32
	Payload   []byte
}

// LengthLookup resolves an element id to its length kind. Callers supply one
// built from whichever app-level element table is in scope (login, base-app
// or proxy).
type LengthLookup func(id byte) (element.Length, bool)

type cursor struct {
	packets []*packet.Packet
	pIdx    int
	bodyOff int
}

func (c *cursor) currentBody() []byte {
	if c.pIdx >= len(c.packets) {
		return nil
	}
	return c.packets[c.pIdx].Body()
}

// advance moves past any exhausted packets, returning false once the stream
// is done.
func (c *cursor) advance() bool {
	for c.pIdx < len(c.packets) && c.bodyOff >= len(c.currentBody()) {
		c.pIdx++
		c.bodyOff = 0
	}
	return c.pIdx < len(c.packets)
}

// readHeader reads n bytes that must lie entirely within the current packet.
func (c *cursor) readHeader(n int) ([]byte, error) {
	body := c.currentBody()
	if c.bodyOff+n > len(body) {
		return nil, fmt.Errorf("bundle: element header of %d bytes spans a packet boundary", n)
	}
	out := body[c.bodyOff : c.bodyOff+n]
	c.bodyOff += n
	return out, nil
}

// readSpanning reads n bytes that may cross packet boundaries.
func (c *cursor) readSpanning(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if !c.advance() {
			return nil, io.ErrUnexpectedEOF
		}
		body := c.currentBody()
		avail := len(body) - c.bodyOff
		take := n - len(out)
		if take > avail {
			take = avail
		}
		out = append(out, body[c.bodyOff:c.bodyOff+take]...)
		c.bodyOff += take
	}
	return out, nil
}

// Read walks packets in order, decoding every element. lookup resolves each
// element id to its length kind; an id the lookup does not recognize aborts
// with an error, since its length encoding (and therefore where the next
// element starts) cannot be determined.
func Read(packets []*packet.Packet, lookup LengthLookup) ([]Decoded, error) {
	c := &cursor{packets: packets}
	var pendingReq uint16
	if len(packets) > 0 {
		pendingReq = packets[0].FirstRequestOffset()
	}

	var out []Decoded
	reqIdx := 0
	for c.advance() {
		if c.pIdx != reqIdx {
			// a payload that spilled into a later packet leaves the cursor
			// inside that packet, whose own first-request offset starts a
			// fresh request chain
			reqIdx = c.pIdx
			pendingReq = c.packets[c.pIdx].FirstRequestOffset()
		}
		isRequest := pendingReq >= 2 && int(pendingReq)-2 == c.bodyOff

		idBytes, err := c.readHeader(1)
		if err != nil {
			return out, err
		}
		id := idBytes[0]

		length, ok := lookup(id)
		if !ok {
			return out, fmt.Errorf("bundle: unrecognized element id %#x", id)
		}

		var fieldBuf []byte
		if fs := length.FieldSize(); fs > 0 {
			fieldBuf, err = c.readHeader(fs)
			if err != nil {
				return out, err
			}
		}
		dec, err := element.ReadLength(length, fieldBuf, 0)
		if err != nil {
			return out, fmt.Errorf("bundle: element %#x: %w", id, err)
		}

		var requestID uint32
		if isRequest {
			reqHdr, err := c.readHeader(element.RequestHeaderLen)
			if err != nil {
				return out, err
			}
			requestID, _ = ioutil.U32(reqHdr, 0)
			link, _ := ioutil.U16(reqHdr, 4)
			pendingReq = link
		}

		var payload []byte
		if dec.EscapeExtra == 4 {
			trueLenBytes, err := c.readSpanning(4)
			if err != nil {
				return out, err
			}
			trueLen, _ := ioutil.U32(trueLenBytes, 0)
			if trueLen < 4 {
				return out, fmt.Errorf("bundle: element %#x: escaped true length %d shorter than displaced head", id, trueLen)
			}
			mid, err := c.readSpanning(int(trueLen - 4))
			if err != nil {
				return out, err
			}
			displacedHead, err := c.readSpanning(4)
			if err != nil {
				return out, err
			}
			payload, err = element.UndoEscape(mid, displacedHead)
			if err != nil {
				return out, err
			}
		} else {
			payload, err = c.readSpanning(int(dec.TrueLen))
			if err != nil {
				return out, err
			}
		}

		out = append(out, Decoded{ID: id, IsRequest: isRequest, RequestID: requestID, Payload: payload})

		if c.pIdx < len(c.packets) && c.bodyOff >= len(c.currentBody()) {
			nextIdx := c.pIdx + 1
			if nextIdx < len(c.packets) {
				// entering a fresh packet resets the request chain to that
				// packet's own first-request-offset footer field
				pendingReq = c.packets[nextIdx].FirstRequestOffset()
			}
		}
	}
	return out, nil
}

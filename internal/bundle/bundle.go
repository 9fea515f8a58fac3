// Package bundle assembles and disassembles bundles: ordered sequences of
// elements laid out across one or more packets, with request/reply chaining
// threaded through each packet's first-request-offset footer field and the
// per-request next-request-link header slot.
package bundle

import (
	"fmt"

	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// MaxPackets bounds how many packets a single bundle may span. The producer
// side panics if exceeded; nothing it builds should ever approach this.
const MaxPackets = 65535

// Bundle accumulates elements into a growing sequence of packets. The zero
// value is not usable; construct with New.
type Bundle struct {
	packets []*packet.Packet

	// linkOffset is the body offset, within the current tail packet, of the
	// two-byte next-request-link field belonging to the most recently
	// written request in that packet. -1 means no open chain in this packet.
	linkOffset int
}

// New starts a bundle with a single empty packet.
func New() *Bundle {
	return &Bundle{packets: []*packet.Packet{packet.New()}, linkOffset: -1}
}

// Packets returns the packets built so far, in order.
func (b *Bundle) Packets() []*packet.Packet { return b.packets }

func (b *Bundle) tail() *packet.Packet { return b.packets[len(b.packets)-1] }

func (b *Bundle) appendPacket() *packet.Packet {
	if len(b.packets) >= MaxPackets {
		panic(fmt.Sprintf("bundle: exceeded %d packets", MaxPackets))
	}
	p := packet.New()
	b.packets = append(b.packets, p)
	b.linkOffset = -1
	return p
}

// linkValue converts a tail-packet body offset into the flags-relative
// encoding used by both the first-request-offset footer field and the
// next-request-link header slot: body offset plus the 2-byte flags length.
func linkValue(bodyOffset int) uint16 { return uint16(bodyOffset + 2) }

// WriteElement appends one element to the bundle, reserving its header
// (id, length field, and request-id/next-link pair when isRequest) within a
// single packet and spilling its payload across as many further packets as
// needed.
func (b *Bundle) WriteElement(id byte, length element.Length, isRequest bool, requestID uint32, payload []byte) error {
	spec := element.Spec{ID: id, Length: length, IsRequest: isRequest, RequestID: requestID, Payload: payload}
	frame, err := element.BuildFrame(spec)
	if err != nil {
		return fmt.Errorf("bundle: write element %#x: %w", id, err)
	}

	headerLen := spec.HeaderLen()
	tail := b.tail()
	if tail.Remaining() < headerLen {
		tail = b.appendPacket()
	}

	bodyOffset := tail.BodyLen()
	hdr := tail.Grow(headerLen)
	copy(hdr, frame[:headerLen])

	if isRequest {
		target := linkValue(bodyOffset)
		if b.linkOffset < 0 {
			tail.SetFirstRequestOffset(target)
		} else {
			patchRequestLink(tail, b.linkOffset, target)
		}
		b.linkOffset = bodyOffset + spec.RequestLinkOffset()
	}

	if err := b.spill(frame[headerLen:]); err != nil {
		return fmt.Errorf("bundle: write element %#x: %w", id, err)
	}
	return nil
}

// spill writes data into the bundle's packets, starting in the current tail
// and appending new packets whenever the current one is full.
func (b *Bundle) spill(data []byte) error {
	for len(data) > 0 {
		tail := b.tail()
		avail := tail.Remaining()
		if avail == 0 {
			tail = b.appendPacket()
			avail = tail.Remaining()
		}
		n := avail
		if n > len(data) {
			n = len(data)
		}
		copy(tail.Grow(n), data[:n])
		data = data[n:]
	}
	return nil
}

// patchRequestLink overwrites the two-byte next-request-link field at the
// given tail-packet body offset, once the next request's position is known.
func patchRequestLink(p *packet.Packet, bodyOffset int, value uint16) {
	body := p.Body()
	body[bodyOffset] = byte(value)
	body[bodyOffset+1] = byte(value >> 8)
}

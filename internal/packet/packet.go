// Package packet implements the fixed-capacity UDP datagram buffer: prefix,
// flags, body and footer regions, and the footer (de)serialization contract
// that synchronizes a Packet with a PacketConfig.
package packet

import (
	"errors"
	"fmt"

	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

const (
	// MaxLen is the maximum size of a single UDP datagram this toolkit emits
	// or accepts, prefix included.
	MaxLen = 1472
	// PrefixLen is the length of the opaque, never-encrypted datagram prefix.
	PrefixLen = 4
	// HeaderLen is the combined length of the prefix and flags fields.
	HeaderLen = 6
	// MaxFooterLen bounds the footer region reserved when sizing a body.
	MaxFooterLen = 45
	// MaxBodyLen is the largest body a single packet can hold once the
	// header and a worst-case footer are accounted for.
	MaxBodyLen = MaxLen - HeaderLen - MaxFooterLen
)

var (
	// ErrUnknownFlags is returned by ReadConfig when a packet carries a flag
	// bit this toolkit does not recognize (including the unexercised
	// HasPiggybacks/CreateChannel bits, see DESIGN.md).
	ErrUnknownFlags = errors.New("packet: unknown flag bits set")
	// ErrInvalidChecksum is returned when the footer checksum does not match
	// the computed XOR of the preceding body and footer words.
	ErrInvalidChecksum = errors.New("packet: checksum mismatch")
	// ErrCorruptFooter is returned when a footer field violates a structural
	// invariant (bad sequence range, short first-request offset, zero ack count).
	ErrCorruptFooter = errors.New("packet: corrupt footer")
	// ErrBodyOverflow describes a body that cannot hold n more bytes. Grow
	// does not return it: Grow panics on overflow.
	ErrBodyOverflow = errors.New("packet: body capacity exceeded")
)

// SeqRange is an inclusive fragment sequence range (first, last) with first < last.
type SeqRange struct {
	First, Last uint32
}

// IndexedChannelID identifies a long-lived channel between two peers.
type IndexedChannelID struct {
	Version, ID uint32
}

// Config is the single source of truth during packet encoding and the single
// sink during decoding: every footer-bearing field lives here except the
// first-request offset, which the Packet itself tracks (see Packet.FirstRequestOffset).
type Config struct {
	SeqRange        *SeqRange
	SeqNum          uint32
	Reliable        bool
	OnChannel       bool
	CumulativeAck   *uint32
	Acks            []uint32 // FIFO; WriteConfig consumes a prefix and leaves the remainder for the next packet
	IndexedChan     *IndexedChannelID
	ChecksumEnabled bool
	Aux             *uint32
}

// Packet is a fixed-capacity datagram buffer. The zero value is not usable;
// construct with New.
type Packet struct {
	raw                []byte
	length             int
	footerOffset       int
	firstRequestOffset uint16
}

// New allocates a Packet at minimum length (header only).
func New() *Packet {
	p := &Packet{raw: make([]byte, MaxLen)}
	p.Reset()
	return p
}

// Reset restores the packet to header-only length and clears prefix, flags
// and first-request offset.
func (p *Packet) Reset() {
	clear(p.raw[:HeaderLen])
	p.length = HeaderLen
	p.footerOffset = HeaderLen
	p.firstRequestOffset = 0
}

// Raw returns the full backing buffer (capacity MaxLen). Used by the socket
// layer to read a datagram directly into the packet.
func (p *Packet) Raw() []byte { return p.raw }

// SetLen sets the packet's total length directly, used after a socket recv
// call has filled Raw() with n bytes.
func (p *Packet) SetLen(n int) {
	p.length = n
	p.footerOffset = n
	p.firstRequestOffset = 0
}

// Len returns the total packet length, prefix through footer.
func (p *Packet) Len() int { return p.length }

// Bytes returns the packet's valid bytes (prefix through footer).
func (p *Packet) Bytes() []byte { return p.raw[:p.length] }

// Prefix returns the 4-byte prefix.
func (p *Packet) Prefix() uint32 {
	v, _ := ioutil.U32(p.raw, 0)
	return v
}

// SetPrefix writes the 4-byte prefix.
func (p *Packet) SetPrefix(v uint32) { ioutil.PutU32(p.raw, 0, v) }

// Flags returns the current flags field.
func (p *Packet) Flags() Flag {
	v, _ := ioutil.U16(p.raw, 4)
	return Flag(v)
}

func (p *Packet) setFlags(f Flag) { ioutil.PutU16(p.raw, 4, uint16(f)) }

// FirstRequestOffset returns the body offset of the first request element's
// header, or 0 if the packet carries no request element.
func (p *Packet) FirstRequestOffset() uint16 { return p.firstRequestOffset }

// SetFirstRequestOffset records the body offset of the first request element
// in this packet. Called by the bundle writer as it lays out elements.
func (p *Packet) SetFirstRequestOffset(v uint16) { p.firstRequestOffset = v }

// Body returns the packet's body region (between header and footer).
func (p *Packet) Body() []byte { return p.raw[HeaderLen:p.footerOffset] }

// BodyLen returns the current body length.
func (p *Packet) BodyLen() int { return p.footerOffset - HeaderLen }

// FooterOffset returns the body-relative end offset (absolute offset into raw).
func (p *Packet) FooterOffset() int { return p.footerOffset }

// Grow extends the body by n bytes and returns a slice over the new region.
// Any previously written footer is invalidated (the next WriteConfig call
// will overwrite it). Panics if the body cannot hold n more bytes.
func (p *Packet) Grow(n int) []byte {
	if p.footerOffset-HeaderLen+n > MaxBodyLen {
		panic(fmt.Sprintf("packet: grow(%d) exceeds max body length %d", n, MaxBodyLen))
	}
	start := p.footerOffset
	p.footerOffset += n
	p.length = p.footerOffset
	return p.raw[start:p.footerOffset]
}

// Remaining reports how many more body bytes Grow could accept right now.
func (p *Packet) Remaining() int {
	return MaxBodyLen - (p.footerOffset - HeaderLen)
}

// xorWords XORs data in 4-byte little-endian words. A trailing partial word
// (when len(data) is not a multiple of 4) is XORed into the low-order bytes
// of the accumulator; this toolkit's checksum always operates on
// word-aligned regions in practice, but the behavior is defined either way
// so WriteConfig and ReadConfig never disagree.
func xorWords(data []byte) uint32 {
	var acc uint32
	i := 0
	for ; i+4 <= len(data); i += 4 {
		v, _ := ioutil.U32(data, i)
		acc ^= v
	}
	if rem := data[i:]; len(rem) > 0 {
		var tail [4]byte
		copy(tail[:], rem)
		acc ^= uint32(tail[0]) | uint32(tail[1])<<8 | uint32(tail[2])<<16 | uint32(tail[3])<<24
	}
	return acc
}

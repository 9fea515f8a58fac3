package packet

import (
	"fmt"

	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// WriteConfig truncates any existing footer and re-appends footer fields in
// wire order, setting the corresponding flag bit as each field is written.
// If the single-ack list does not fully fit in the remaining footer budget,
// WriteConfig writes as many as fit (FIFO order) and leaves the rest in
// cfg.Acks for a subsequent packet.
func (p *Packet) WriteConfig(cfg *Config) error {
	p.length = p.footerOffset
	pos := p.footerOffset
	var flags Flag

	if cfg.SeqRange != nil {
		if cfg.SeqRange.First >= cfg.SeqRange.Last {
			return fmt.Errorf("packet: write config: %w: sequence range first >= last", ErrCorruptFooter)
		}
		ioutil.PutU32(p.raw, pos, cfg.SeqRange.First)
		ioutil.PutU32(p.raw, pos+4, cfg.SeqRange.Last)
		pos += 8
		flags |= IsFragment
	}

	if p.firstRequestOffset != 0 {
		ioutil.PutU16(p.raw, pos, p.firstRequestOffset)
		pos += 2
		flags |= HasRequests
	}

	if cfg.Reliable {
		flags |= IsReliable
	}
	if cfg.Reliable || cfg.SeqRange != nil {
		ioutil.PutU32(p.raw, pos, cfg.SeqNum)
		pos += 4
		flags |= HasSequenceNumber
	}

	if cfg.Aux != nil {
		ioutil.PutU32(p.raw, pos, *cfg.Aux)
		pos += 4
		flags |= hasAux
	}

	if len(cfg.Acks) > 0 {
		reserved := 0
		if cfg.CumulativeAck != nil {
			reserved += 4
		}
		if cfg.IndexedChan != nil {
			reserved += 8
		}
		if cfg.ChecksumEnabled {
			reserved += 4
		}
		avail := MaxLen - pos - reserved - 1 // 1 byte for the trailing ack count
		maxAcks := avail / 4
		n := min(len(cfg.Acks), maxAcks, 255) // the trailing ack count is a single byte
		if n < 0 {
			n = 0
		}
		if n > 0 {
			for i := 0; i < n; i++ {
				ioutil.PutU32(p.raw, pos, cfg.Acks[i])
				pos += 4
			}
			ioutil.PutU8(p.raw, pos, uint8(n))
			pos++
			flags |= HasAcks
			cfg.Acks = cfg.Acks[n:]
		}
	}

	if cfg.CumulativeAck != nil {
		ioutil.PutU32(p.raw, pos, *cfg.CumulativeAck)
		pos += 4
		flags |= HasCumulativeAck
	}

	if cfg.IndexedChan != nil {
		ioutil.PutU32(p.raw, pos, cfg.IndexedChan.Version)
		ioutil.PutU32(p.raw, pos+4, cfg.IndexedChan.ID)
		pos += 8
		flags |= IndexedChannel
	}

	if cfg.OnChannel {
		flags |= OnChannel
	}

	if cfg.ChecksumEnabled {
		checksum := xorWords(p.raw[HeaderLen:pos])
		ioutil.PutU32(p.raw, pos, checksum)
		pos += 4
		flags |= HasChecksum
	}

	p.setFlags(flags)
	p.length = pos
	return nil
}

// ReadConfig parses flags and footer fields from the end of the packet
// backwards, validating structural invariants, and returns the resulting
// Config. On success it also updates Packet.FirstRequestOffset and
// Packet.footerOffset to the body's true end.
func (p *Packet) ReadConfig() (*Config, error) {
	flags := p.Flags()
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("packet: read config: %w (0x%04x)", ErrUnknownFlags, uint16(flags))
	}

	cfg := &Config{}
	pos := p.length

	if flags.has(HasChecksum) {
		pos -= 4
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated checksum", ErrCorruptFooter)
		}
		want, _ := ioutil.U32(p.raw, pos)
		got := xorWords(p.raw[HeaderLen:pos])
		if got != want {
			return nil, ErrInvalidChecksum
		}
		cfg.ChecksumEnabled = true
	}

	if flags.has(IndexedChannel) {
		pos -= 8
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated indexed channel", ErrCorruptFooter)
		}
		version, _ := ioutil.U32(p.raw, pos)
		id, _ := ioutil.U32(p.raw, pos+4)
		cfg.IndexedChan = &IndexedChannelID{Version: version, ID: id}
	}

	if flags.has(HasCumulativeAck) {
		pos -= 4
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated cumulative ack", ErrCorruptFooter)
		}
		v, _ := ioutil.U32(p.raw, pos)
		cfg.CumulativeAck = &v
	}

	if flags.has(HasAcks) {
		pos--
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated ack count", ErrCorruptFooter)
		}
		count, _ := ioutil.U8(p.raw, pos)
		if count == 0 {
			return nil, fmt.Errorf("packet: read config: %w: zero-length ack list", ErrCorruptFooter)
		}
		pos -= int(count) * 4
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated ack list", ErrCorruptFooter)
		}
		acks := make([]uint32, count)
		for i := range acks {
			acks[i], _ = ioutil.U32(p.raw, pos+i*4)
		}
		cfg.Acks = acks
	}

	if flags.has(hasAux) {
		pos -= 4
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated aux", ErrCorruptFooter)
		}
		v, _ := ioutil.U32(p.raw, pos)
		cfg.Aux = &v
	}

	if flags.has(HasSequenceNumber) {
		pos -= 4
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated sequence number", ErrCorruptFooter)
		}
		cfg.SeqNum, _ = ioutil.U32(p.raw, pos)
	}

	var firstReqOffset uint16
	if flags.has(HasRequests) {
		pos -= 2
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated first-request offset", ErrCorruptFooter)
		}
		firstReqOffset, _ = ioutil.U16(p.raw, pos)
		if firstReqOffset < 2 {
			return nil, fmt.Errorf("packet: read config: %w: first-request offset < 2", ErrCorruptFooter)
		}
	}

	if flags.has(IsFragment) {
		pos -= 8
		if pos < HeaderLen {
			return nil, fmt.Errorf("packet: read config: %w: truncated sequence range", ErrCorruptFooter)
		}
		first, _ := ioutil.U32(p.raw, pos)
		last, _ := ioutil.U32(p.raw, pos+4)
		if first >= last {
			return nil, fmt.Errorf("packet: read config: %w: sequence range first >= last", ErrCorruptFooter)
		}
		cfg.SeqRange = &SeqRange{First: first, Last: last}
	}

	cfg.Reliable = flags.has(IsReliable)
	cfg.OnChannel = flags.has(OnChannel)

	p.footerOffset = pos
	p.firstRequestOffset = firstReqOffset
	return cfg, nil
}

// Package channel tracks per-peer reliable-ordered delivery state: the next
// outbound sequence number, which inbound sequence numbers are still
// unacknowledged, and in-flight fragment reassembly.
package channel

import (
	"fmt"
	"sync"

	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// Tracker holds the reliable-channel bookkeeping for one peer. A zero value
// is not usable; construct with New.
type Tracker struct {
	mu sync.Mutex

	nextOutSeq uint32
	highInSeq  uint32
	seenInSeq  bool

	pendingAcks []uint32          // inbound sequence numbers not yet acked out
	unacked     map[uint32][]byte // outbound seq -> raw packet bytes, awaiting peer ack
	reassembly  map[seqRange]*fragmentSet

	// lastObservedPrefix records the most recent inbound datagram prefix,
	// used by proxy peers that must mirror a client's own opaque prefix back
	// to the server rather than minting their own.
	lastObservedPrefix uint32
}

type seqRange struct {
	first, last uint32
}

// fragmentSet accumulates the fragments of one [first,last] range by slot
// index (seq-first) so that out-of-order and duplicate delivery don't corrupt
// the reassembled body.
type fragmentSet struct {
	slots  [][]byte
	filled int
}

// New returns a fresh Tracker starting sequence numbering at zero.
func New() *Tracker {
	return &Tracker{
		unacked:    make(map[uint32][]byte),
		reassembly: make(map[seqRange]*fragmentSet),
	}
}

// NextOutboundSeq allocates and returns the next outbound sequence number.
func (t *Tracker) NextOutboundSeq() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.nextOutSeq
	t.nextOutSeq++
	return seq
}

// RecordSent remembers raw so it can be retransmitted if the peer never acks seq.
func (t *Tracker) RecordSent(seq uint32, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	t.unacked[seq] = cp
}

// Ack marks seq (and, if cumulative is non-nil, every sequence number below
// it) as delivered, dropping the retained copies.
func (t *Tracker) Ack(seq uint32, cumulative *uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.unacked, seq)
	if cumulative == nil {
		return
	}
	for s := range t.unacked {
		if s < *cumulative {
			delete(t.unacked, s)
		}
	}
}

// AckCumulative marks every sequence number below bound as delivered, per the
// wire format's excluded-bound convention for a standalone cumulative ack
// field (one not paired with an individual sequence number of its own).
func (t *Tracker) AckCumulative(bound uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.unacked {
		if s < bound {
			delete(t.unacked, s)
		}
	}
}

// Unacked returns a snapshot of outbound sequence numbers still awaiting ack,
// for retransmission by the caller.
func (t *Tracker) Unacked() map[uint32][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32][]byte, len(t.unacked))
	for k, v := range t.unacked {
		out[k] = v
	}
	return out
}

// ObserveInbound records an inbound reliable sequence number for later
// inclusion in an outbound ack list, and updates the high-water mark used to
// compute a cumulative ack.
func (t *Tracker) ObserveInbound(seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingAcks = append(t.pendingAcks, seq)
	if !t.seenInSeq || seq > t.highInSeq {
		t.highInSeq = seq
		t.seenInSeq = true
	}
}

// DrainAcks returns and clears the list of inbound sequence numbers observed
// since the last call, for use as a packet.Config.Acks value.
func (t *Tracker) DrainAcks() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pendingAcks
	t.pendingAcks = nil
	return out
}

// CumulativeAck returns the excluded upper bound of inbound sequence numbers
// seen so far, if any: every sequence number less than the returned value is
// acknowledged, per the wire format's excluded-bound convention.
func (t *Tracker) CumulativeAck() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seenInSeq {
		return 0, false
	}
	return t.highInSeq + 1, true
}

// SetLastObservedPrefix records the prefix of the most recent inbound
// datagram, for proxy peers forwarding traffic onward under the same prefix.
func (t *Tracker) SetLastObservedPrefix(prefix uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastObservedPrefix = prefix
}

// LastObservedPrefix returns the prefix most recently set by SetLastObservedPrefix.
func (t *Tracker) LastObservedPrefix() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastObservedPrefix
}

// AddFragment stores a fragment packet's body under its sequence range, keyed
// by its slot (seq-First) within the range. A slot that already holds a
// fragment is left alone, so a duplicate delivery doesn't corrupt the
// reassembled body. Once every slot in [first,last] is filled, TryReassemble
// returns the concatenated body.
func (t *Tracker) AddFragment(seqRangeVal packet.SeqRange, seq uint32, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := seqRange{seqRangeVal.First, seqRangeVal.Last}
	set := t.reassembly[key]
	if set == nil {
		set = &fragmentSet{slots: make([][]byte, seqRangeVal.Last-seqRangeVal.First+1)}
		t.reassembly[key] = set
	}
	if seq < seqRangeVal.First || seq > seqRangeVal.Last {
		return
	}
	slot := seq - seqRangeVal.First
	if set.slots[slot] != nil {
		return
	}
	set.slots[slot] = body
	set.filled++
}

// TryReassemble returns the accumulated body for a fragment range and clears
// it, once every sequence number in the range has a fragment recorded.
func (t *Tracker) TryReassemble(seqRangeVal packet.SeqRange) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := seqRange{seqRangeVal.First, seqRangeVal.Last}
	set, ok := t.reassembly[key]
	if !ok || set.filled != len(set.slots) {
		return nil, false
	}
	delete(t.reassembly, key)
	body := make([]byte, 0, len(set.slots)*len(set.slots[0]))
	for _, frag := range set.slots {
		body = append(body, frag...)
	}
	return body, true
}

// Validate checks a fragment range's structural invariant (first < last) per
// the packet footer's own validation contract.
func Validate(r packet.SeqRange) error {
	if r.First >= r.Last {
		return fmt.Errorf("channel: invalid fragment range [%d,%d]", r.First, r.Last)
	}
	return nil
}

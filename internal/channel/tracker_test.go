package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/packet"
)

func TestNextOutboundSeqIncrements(t *testing.T) {
	tr := New()
	assert.Equal(t, uint32(0), tr.NextOutboundSeq())
	assert.Equal(t, uint32(1), tr.NextOutboundSeq())
	assert.Equal(t, uint32(2), tr.NextOutboundSeq())
}

func TestAckRemovesUnacked(t *testing.T) {
	tr := New()
	tr.RecordSent(5, []byte("a"))
	tr.RecordSent(6, []byte("b"))
	tr.Ack(5, nil)
	un := tr.Unacked()
	assert.NotContains(t, un, uint32(5))
	assert.Contains(t, un, uint32(6))
}

func TestCumulativeAckClearsRange(t *testing.T) {
	tr := New()
	for seq := uint32(0); seq < 5; seq++ {
		tr.RecordSent(seq, []byte{byte(seq)})
	}
	// An excluded bound of 3 acknowledges 0,1,2 but not 3 itself.
	tr.AckCumulative(3)
	un := tr.Unacked()
	assert.Len(t, un, 2)
	assert.Contains(t, un, uint32(3))
	assert.Contains(t, un, uint32(4))
}

func TestAckCumulativeDoesNotAckBoundItself(t *testing.T) {
	tr := New()
	tr.RecordSent(3, []byte("a"))
	tr.AckCumulative(3)
	un := tr.Unacked()
	assert.Contains(t, un, uint32(3))
}

func TestAckWithCumulativeSweepsBelowBound(t *testing.T) {
	tr := New()
	for seq := uint32(0); seq < 5; seq++ {
		tr.RecordSent(seq, []byte{byte(seq)})
	}
	cum := uint32(3)
	tr.Ack(3, &cum)
	un := tr.Unacked()
	assert.Len(t, un, 1)
	assert.Contains(t, un, uint32(4))
}

func TestObserveInboundDrainAcks(t *testing.T) {
	tr := New()
	tr.ObserveInbound(1)
	tr.ObserveInbound(2)
	acks := tr.DrainAcks()
	assert.Equal(t, []uint32{1, 2}, acks)
	assert.Empty(t, tr.DrainAcks())

	// CumulativeAck is an excluded bound: having seen up to 2, the bound
	// reported is 3 ("everything below 3 is acked").
	bound, ok := tr.CumulativeAck()
	require.True(t, ok)
	assert.Equal(t, uint32(3), bound)
}

func TestCumulativeAckUnseenReturnsFalse(t *testing.T) {
	tr := New()
	_, ok := tr.CumulativeAck()
	assert.False(t, ok)
}

func TestFragmentReassembly(t *testing.T) {
	tr := New()
	r := packet.SeqRange{First: 10, Last: 12}
	tr.AddFragment(r, 10, []byte("aaa"))
	tr.AddFragment(r, 11, []byte("bbb"))
	tr.AddFragment(r, 12, []byte("ccc"))

	body, ok := tr.TryReassemble(r)
	require.True(t, ok)
	assert.Equal(t, []byte("aaabbbccc"), body)

	_, ok = tr.TryReassemble(r)
	assert.False(t, ok)
}

func TestFragmentReassemblyNotReadyUntilAllSlotsFilled(t *testing.T) {
	tr := New()
	r := packet.SeqRange{First: 10, Last: 12}
	tr.AddFragment(r, 10, []byte("aaa"))

	_, ready := tr.TryReassemble(r)
	assert.False(t, ready, "reassembly must not be ready after only the first of three fragments")

	tr.AddFragment(r, 11, []byte("bbb"))
	_, ready = tr.TryReassemble(r)
	assert.False(t, ready, "reassembly must not be ready after only two of three fragments")

	tr.AddFragment(r, 12, []byte("ccc"))
	body, ready := tr.TryReassemble(r)
	require.True(t, ready)
	assert.Equal(t, []byte("aaabbbccc"), body)
}

func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	tr := New()
	r := packet.SeqRange{First: 10, Last: 12}
	tr.AddFragment(r, 12, []byte("ccc"))
	tr.AddFragment(r, 10, []byte("aaa"))
	tr.AddFragment(r, 11, []byte("bbb"))

	body, ready := tr.TryReassemble(r)
	require.True(t, ready)
	assert.Equal(t, []byte("aaabbbccc"), body)
}

func TestFragmentReassemblyIgnoresDuplicate(t *testing.T) {
	tr := New()
	r := packet.SeqRange{First: 10, Last: 12}
	tr.AddFragment(r, 10, []byte("aaa"))
	tr.AddFragment(r, 10, []byte("zzz")) // duplicate delivery of slot 0, must not overwrite or double-count
	tr.AddFragment(r, 11, []byte("bbb"))

	_, ready := tr.TryReassemble(r)
	assert.False(t, ready)

	tr.AddFragment(r, 12, []byte("ccc"))
	body, ready := tr.TryReassemble(r)
	require.True(t, ready)
	assert.Equal(t, []byte("aaabbbccc"), body)
}

func TestValidateRejectsBadRange(t *testing.T) {
	assert.Error(t, Validate(packet.SeqRange{First: 5, Last: 5}))
	assert.Error(t, Validate(packet.SeqRange{First: 6, Last: 5}))
	assert.NoError(t, Validate(packet.SeqRange{First: 5, Last: 6}))
}

func TestLastObservedPrefix(t *testing.T) {
	tr := New()
	assert.Equal(t, uint32(0), tr.LastObservedPrefix())
	tr.SetLastObservedPrefix(0xAABBCCDD)
	assert.Equal(t, uint32(0xAABBCCDD), tr.LastObservedPrefix())
}

package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

const (
	idPing    = 0x01
	idMessage = 0x02
	idLogin   = 0x03
	idBlob    = 0x04
)

func testLookup(id byte) (element.Length, bool) {
	switch id {
	case idPing:
		return element.NewFixed(1), true
	case idMessage:
		return element.Var8, true
	case idLogin:
		return element.Var16, true
	case idBlob:
		return element.Var32, true
	}
	return element.Length{}, false
}

func TestBundleSingleNonRequestElement(t *testing.T) {
	b := New()
	require.NoError(t, b.WriteElement(idPing, element.NewFixed(1), false, 0, []byte{0x09}))

	decoded, err := Read(b.Packets(), testLookup)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, idPing, int(decoded[0].ID))
	assert.False(t, decoded[0].IsRequest)
	assert.Equal(t, []byte{0x09}, decoded[0].Payload)
}

func TestBundleTwoChainedRequestsInOnePacket(t *testing.T) {
	b := New()
	require.NoError(t, b.WriteElement(idLogin, element.Var16, true, 1001, []byte("first")))
	require.NoError(t, b.WriteElement(idLogin, element.Var16, true, 1002, []byte("second")))
	require.NoError(t, b.WriteElement(idMessage, element.Var8, false, 0, []byte("trailer")))

	require.Len(t, b.Packets(), 1)
	decoded, err := Read(b.Packets(), testLookup)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	assert.True(t, decoded[0].IsRequest)
	assert.Equal(t, uint32(1001), decoded[0].RequestID)
	assert.Equal(t, []byte("first"), decoded[0].Payload)

	assert.True(t, decoded[1].IsRequest)
	assert.Equal(t, uint32(1002), decoded[1].RequestID)
	assert.Equal(t, []byte("second"), decoded[1].Payload)

	assert.False(t, decoded[2].IsRequest)
	assert.Equal(t, []byte("trailer"), decoded[2].Payload)
}

func TestBundleOversizeEscapeRoundTrip(t *testing.T) {
	payload := make([]byte, 0x10000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	b := New()
	require.NoError(t, b.WriteElement(idLogin, element.Var16, false, 0, payload))

	decoded, err := Read(b.Packets(), testLookup)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, payload, decoded[0].Payload)
}

func TestBundlePayloadSpansMultiplePackets(t *testing.T) {
	payload := make([]byte, 3*packet.MaxBodyLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	b := New()
	require.NoError(t, b.WriteElement(idBlob, element.Var32, false, 0, payload))
	assert.Greater(t, len(b.Packets()), 1)

	decoded, err := Read(b.Packets(), testLookup)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, payload, decoded[0].Payload)
}

func TestBundleRequestChainAcrossPacketBoundary(t *testing.T) {
	b := New()
	filler := make([]byte, packet.MaxBodyLen-5) // leaves no room for another header in this packet
	require.NoError(t, b.WriteElement(idBlob, element.Var32, false, 0, filler))
	require.NoError(t, b.WriteElement(idLogin, element.Var16, true, 55, []byte("in second packet")))

	require.Len(t, b.Packets(), 2)
	decoded, err := Read(b.Packets(), testLookup)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.True(t, decoded[1].IsRequest)
	assert.Equal(t, uint32(55), decoded[1].RequestID)
}

func TestReplyEncodeDecodeThroughBundle(t *testing.T) {
	reply := element.Reply{RequestID: 7, Body: []byte("ack")}
	b := New()
	require.NoError(t, b.WriteElement(element.ReplyID, element.Var32, false, 0, reply.Encode()))

	decoded, err := Read(b.Packets(), func(id byte) (element.Length, bool) {
		if id == element.ReplyID {
			return element.Var32, true
		}
		return element.Length{}, false
	})
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	got, err := element.DecodeReply(decoded[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestUnknownElementIDErrors(t *testing.T) {
	b := New()
	require.NoError(t, b.WriteElement(idPing, element.NewFixed(1), false, 0, []byte{0x01}))

	_, err := Read(b.Packets(), func(byte) (element.Length, bool) { return element.Length{}, false })
	assert.Error(t, err)
}

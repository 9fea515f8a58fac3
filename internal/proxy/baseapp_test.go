package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/baseapp"
	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

func testBaseAppProxy(t *testing.T, upstreamAddr string, keys *KeyTable) *BaseAppProxy {
	t.Helper()
	cfg := config.DefaultProxyConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.UpstreamBase = upstreamAddr
	p, err := NewBaseAppProxy(cfg, keys)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBaseAppRelayForReusesRelay(t *testing.T) {
	p := testBaseAppProxy(t, "127.0.0.1:1", NewKeyTable(time.Minute))
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.20:4500")
	require.NoError(t, err)

	r1, err := p.relayFor(addr)
	require.NoError(t, err)
	r2, err := p.relayFor(addr)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
}

func TestApplyObservedKeyNoopWithoutObservedKey(t *testing.T) {
	p := testBaseAppProxy(t, "127.0.0.1:1", NewKeyTable(time.Minute))
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.21:4500")
	require.NoError(t, err)
	relay, err := p.relayFor(addr)
	require.NoError(t, err)

	p.applyObservedKey(relay)
	assert.False(t, relay.keyed)
	assert.Nil(t, relay.blowfishKey)
}

func TestApplyObservedKeyRegistersOnceObserved(t *testing.T) {
	keys := NewKeyTable(time.Minute)
	p := testBaseAppProxy(t, "127.0.0.1:1", keys)
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.22:4500")
	require.NoError(t, err)
	relay, err := p.relayFor(addr)
	require.NoError(t, err)

	key := []byte("negotiatedkey1234567890")
	keys.Observe(addr.String(), key, 55)

	p.applyObservedKey(relay)
	require.True(t, relay.keyed)
	assert.Equal(t, key, relay.blowfishKey)

	// Mutating the table afterward must not affect an already-keyed relay.
	keys.Observe(addr.String(), []byte("differentkey1234567890a"), 56)
	p.applyObservedKey(relay)
	assert.Equal(t, key, relay.blowfishKey)
}

func TestHandleClientDatagramForwardsToUpstream(t *testing.T) {
	fakeUpstream, err := netsock.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer fakeUpstream.Close()

	p := testBaseAppProxy(t, fakeUpstream.LocalAddr().String(), NewKeyTable(time.Minute))

	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.23:4500")
	require.NoError(t, err)

	auth := baseapp.ClientAuth{LoginKey: 42, Attempt: 0, Unknown: 0}
	b := bundle.New()
	require.NoError(t, b.WriteElement(baseapp.ElemClientAuth, element.NewFixed(7), true, 1, baseapp.EncodeClientAuth(auth)))
	pkt := b.Packets()[0]
	require.NoError(t, pkt.WriteConfig(&packet.Config{Reliable: true, SeqNum: 0}))

	require.NoError(t, p.handleClientDatagram(clientAddr, pkt))

	got := packet.New()
	_, err = fakeUpstream.Recv(got)
	require.NoError(t, err)
	decoded, err := bundle.Read([]*packet.Packet{got}, baseapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, byte(baseapp.ElemClientAuth), decoded[0].ID)
	gotAuth, err := baseapp.DecodeClientAuth(decoded[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, auth.LoginKey, gotAuth.LoginKey)
}

func TestHandleUpstreamDatagramForwardsToClient(t *testing.T) {
	fakeClient, err := netsock.Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer fakeClient.Close()
	clientAddr, err := net.ResolveUDPAddr("udp", fakeClient.LocalAddr().String())
	require.NoError(t, err)

	p := testBaseAppProxy(t, "127.0.0.1:1", NewKeyTable(time.Minute))
	relay, err := p.relayFor(clientAddr)
	require.NoError(t, err)

	b := bundle.New()
	require.NoError(t, b.WriteElement(baseapp.ElemTickSync, element.Var16, false, 0, []byte{0x01, 0x02}))
	pkt := b.Packets()[0]
	require.NoError(t, pkt.WriteConfig(&packet.Config{Reliable: true, SeqNum: 0}))

	require.NoError(t, p.handleUpstreamDatagram(relay, pkt))

	got := packet.New()
	_, err = fakeClient.Recv(got)
	require.NoError(t, err)
	decoded, err := bundle.Read([]*packet.Packet{got}, baseapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, byte(baseapp.ElemTickSync), decoded[0].ID)
	assert.Equal(t, []byte{0x01, 0x02}, decoded[0].Payload)
}

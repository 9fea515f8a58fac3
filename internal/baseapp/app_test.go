package baseapp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

func testAppAndClient(t *testing.T) (*App, *netsock.Socket, *net.UDPAddr, *net.UDPAddr) {
	t.Helper()
	cfg := config.DefaultBaseAppConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0

	pending := NewPendingTable(time.Minute)
	app, err := New(cfg, pending)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	client, err := netsock.Bind("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	appAddr, err := net.ResolveUDPAddr("udp", app.sock.LocalAddr().String())
	require.NoError(t, err)
	clientAddr, err := net.ResolveUDPAddr("udp", client.LocalAddr().String())
	require.NoError(t, err)

	return app, client, appAddr, clientAddr
}

func sendBundleTo(t *testing.T, sock *netsock.Socket, dst *net.UDPAddr, b *bundle.Bundle) {
	t.Helper()
	for _, p := range b.Packets() {
		require.NoError(t, p.WriteConfig(&packet.Config{Reliable: true, SeqNum: 0}))
		require.NoError(t, sock.Send(p, dst))
	}
}

func TestBaseAppHandshakeHappyPath(t *testing.T) {
	app, client, appAddr, clientAddr := testAppAndClient(t)

	blowfishKey := []byte("negotiatedkey1234567890")
	app.pending.Add(42, clientAddr.String(), blowfishKey)

	// ClientAuth itself travels in clear: the client has not yet registered
	// its blowfish key on the socket.
	authBundle := bundle.New()
	require.NoError(t, authBundle.WriteElement(ElemClientAuth, element.NewFixed(7), true, 1,
		EncodeClientAuth(ClientAuth{LoginKey: 42, Attempt: 0, Unknown: 0})))
	sendBundleTo(t, client, appAddr, authBundle)

	authPkt := packet.New()
	_, err := app.sock.Recv(authPkt)
	require.NoError(t, err)
	app.handleDatagram(clientAddr, authPkt)

	// handleClientAuth enables Blowfish for this peer before building its
	// reply, so the ServerSessionKey reply goes out already encrypted; the
	// client registers the same key, learned during login, to decrypt it.
	bf, err := cipher.NewBlowfish(blowfishKey)
	require.NoError(t, err)
	client.SetEncryption(appAddr, bf)

	reply := packet.New()
	_, err = client.Recv(reply)
	require.NoError(t, err)
	decoded, err := bundle.Read([]*packet.Packet{reply}, LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, byte(element.ReplyID), decoded[0].ID)

	replyElem, err := element.DecodeReply(decoded[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), replyElem.RequestID)
	sessionKey, err := DecodeClientSessionKey(replyElem.Body)
	require.NoError(t, err)

	cs, ok := app.clients.get(clientAddr.String())
	require.True(t, ok)
	assert.Equal(t, StateAuthed, cs.state)
	assert.Equal(t, sessionKey, cs.sessionKey)
	assert.Equal(t, 0, app.pending.Count(), "pending entry should be consumed")

	// The client now confirms its session key, which should trigger the
	// initial entity-set stream — already encrypted both ways.
	confirmBundle := bundle.New()
	require.NoError(t, confirmBundle.WriteElement(ElemClientSessionKey, element.NewFixed(4), false, 0,
		EncodeClientSessionKey(sessionKey)))
	sendBundleTo(t, client, appAddr, confirmBundle)

	confirmPkt := packet.New()
	_, err = app.sock.Recv(confirmPkt)
	require.NoError(t, err)
	app.handleDatagram(clientAddr, confirmPkt)

	cs, ok = app.clients.get(clientAddr.String())
	require.True(t, ok)
	assert.Equal(t, StateRunning, cs.state)

	streamPkt := packet.New()
	_, err = client.Recv(streamPkt)
	require.NoError(t, err)
	streamed, err := bundle.Read([]*packet.Packet{streamPkt}, LengthFor)
	require.NoError(t, err)
	require.Len(t, streamed, 5)
	assert.Equal(t, byte(ElemUpdateFrequencyNotification), streamed[0].ID)
	assert.Equal(t, byte(ElemTickSync), streamed[1].ID)
	assert.Equal(t, byte(ElemCreateBasePlayer), streamed[2].ID)
	assert.Equal(t, byte(ElemSelectPlayerEntity), streamed[3].ID)
	assert.Equal(t, byte(ElemResetEntities), streamed[4].ID)
}

func TestBaseAppAuthRejectsUnknownLoginKey(t *testing.T) {
	app, client, appAddr, clientAddr := testAppAndClient(t)

	authBundle := bundle.New()
	require.NoError(t, authBundle.WriteElement(ElemClientAuth, element.NewFixed(7), true, 1,
		EncodeClientAuth(ClientAuth{LoginKey: 999, Attempt: 0, Unknown: 0})))
	sendBundleTo(t, client, appAddr, authBundle)

	authPkt := packet.New()
	_, err := app.sock.Recv(authPkt)
	require.NoError(t, err)
	app.handleDatagram(clientAddr, authPkt)

	_, ok := app.clients.get(clientAddr.String())
	assert.False(t, ok)
}

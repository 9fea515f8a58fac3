package proxy

import (
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/loginapp"
)

type stubKeySource struct{ keys []*rsa.PublicKey }

func (s stubKeySource) PublicKeys() []*rsa.PublicKey { return s.keys }

func testLoginProxy(t *testing.T, upstream UpstreamKeySource) *LoginProxy {
	t.Helper()
	cfg := config.DefaultProxyConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.UpstreamLogin = "127.0.0.1:1"
	p, err := NewLoginProxy(cfg, upstream, "127.0.0.1:20213", NewKeyTable(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestParseSockAddrV4(t *testing.T) {
	addr, err := parseSockAddrV4("192.168.1.5:20213")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{192, 168, 1, 5}, addr.IP)
	assert.Equal(t, uint16(20213), addr.Port)

	_, err = parseSockAddrV4("not-an-address")
	assert.Error(t, err)
}

func TestNextUpstreamKeyRoundRobin(t *testing.T) {
	k1, err := cipher.GenerateRSAKeyPair(512)
	require.NoError(t, err)
	k2, err := cipher.GenerateRSAKeyPair(512)
	require.NoError(t, err)
	p := testLoginProxy(t, stubKeySource{keys: []*rsa.PublicKey{&k1.PublicKey, &k2.PublicKey}})

	seen := []*rsa.PublicKey{
		p.nextUpstreamKey(),
		p.nextUpstreamKey(),
		p.nextUpstreamKey(),
		p.nextUpstreamKey(),
	}
	assert.Same(t, &k1.PublicKey, seen[0])
	assert.Same(t, &k2.PublicKey, seen[1])
	assert.Same(t, &k1.PublicKey, seen[2])
	assert.Same(t, &k2.PublicKey, seen[3])
}

func TestNextUpstreamKeyEmptySource(t *testing.T) {
	p := testLoginProxy(t, stubKeySource{})
	assert.Nil(t, p.nextUpstreamKey())
}

func testRelay(clientAddr *net.UDPAddr) *loginRelay {
	return &loginRelay{
		clientAddr:      clientAddr,
		clientTracker:   channel.New(),
		upstreamTracker: channel.New(),
	}
}

func TestForwardClientElementPassthrough(t *testing.T) {
	p := testLoginProxy(t, stubKeySource{})
	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.1:4500")
	require.NoError(t, err)
	relay := testRelay(clientAddr)

	dec := bundle.Decoded{ID: loginapp.ElemPing, IsRequest: true, RequestID: 42, Payload: []byte{0x09}}
	out := bundle.New()
	p.forwardClientElement(relay, dec, out)

	decoded, err := bundle.Read(out.Packets(), loginapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, loginapp.ElemPing, decoded[0].ID)
	assert.Equal(t, []byte{0x09}, decoded[0].Payload)
	assert.True(t, decoded[0].IsRequest)
	assert.Equal(t, uint32(42), decoded[0].RequestID)
}

func TestForwardClientElementWrapsLoginRequestForUpstream(t *testing.T) {
	upstreamKey, err := cipher.GenerateRSAKeyPair(512)
	require.NoError(t, err)
	p := testLoginProxy(t, stubKeySource{keys: []*rsa.PublicKey{&upstreamKey.PublicKey}})

	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.2:4500")
	require.NoError(t, err)
	relay := testRelay(clientAddr)

	req := loginapp.LoginRequest{
		ProtocolVersion: 1,
		Username:        "player1",
		Password:        "hunter2",
		BlowfishKey:     []byte("clientsuppliedkey123456"),
		Nonce:           7,
	}
	dec := bundle.Decoded{ID: loginapp.ElemLoginRequest, IsRequest: true, RequestID: 1, Payload: loginapp.EncodeLoginRequest(req)}
	out := bundle.New()
	p.forwardClientElement(relay, dec, out)

	assert.Equal(t, req.BlowfishKey, relay.blowfishKey)

	decoded, err := bundle.Read(out.Packets(), loginapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, loginapp.ElemLoginRequest, decoded[0].ID)

	plain, err := cipher.RSADecrypt(upstreamKey, decoded[0].Payload)
	require.NoError(t, err)
	got, err := loginapp.DecodeLoginRequest(plain)
	require.NoError(t, err)
	assert.Equal(t, req.Username, got.Username)
	assert.Equal(t, req.Password, got.Password)
}

func TestForwardClientElementNoUpstreamKeysLeavesPlain(t *testing.T) {
	p := testLoginProxy(t, stubKeySource{})
	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.3:4500")
	require.NoError(t, err)
	relay := testRelay(clientAddr)

	req := loginapp.LoginRequest{ProtocolVersion: 1, Username: "a", Password: "b", BlowfishKey: []byte("0123456789abcdef")}
	dec := bundle.Decoded{ID: loginapp.ElemLoginRequest, IsRequest: true, Payload: loginapp.EncodeLoginRequest(req)}
	out := bundle.New()
	p.forwardClientElement(relay, dec, out)

	decoded, err := bundle.Read(out.Packets(), loginapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got, err := loginapp.DecodeLoginRequest(decoded[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, req.Username, got.Username)
}

func TestForwardUpstreamElementPassthroughNonReply(t *testing.T) {
	p := testLoginProxy(t, stubKeySource{})
	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.4:4500")
	require.NoError(t, err)
	relay := testRelay(clientAddr)

	dec := bundle.Decoded{ID: loginapp.ElemPing, Payload: []byte{0x01}}
	out := bundle.New()
	isSuccess := p.forwardUpstreamElement(relay, dec, out)
	assert.False(t, isSuccess)

	decoded, err := bundle.Read(out.Packets(), loginapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, loginapp.ElemPing, decoded[0].ID)
}

func TestForwardUpstreamElementRewritesSuccessAndObservesKey(t *testing.T) {
	p := testLoginProxy(t, stubKeySource{})
	clientAddr, err := net.ResolveUDPAddr("udp", "203.0.113.5:4500")
	require.NoError(t, err)
	relay := testRelay(clientAddr)
	relay.blowfishKey = []byte("negotiatedkey1234567890")

	origBaseAddr, err := parseSockAddrV4("10.0.0.1:20213")
	require.NoError(t, err)
	origSuccess := loginapp.LoginSuccess{
		BaseAppAddr:   origBaseAddr,
		LoginKey:      777,
		ServerMessage: "welcome",
	}
	cipherText, err := loginapp.EncryptSuccess(relay.blowfishKey, origSuccess)
	require.NoError(t, err)
	resp := loginapp.Response{Tag: loginapp.RespTagSuccess, SuccessCipher: cipherText}
	reply := element.Reply{RequestID: 5, Body: loginapp.EncodeResponse(resp)}
	dec := bundle.Decoded{ID: element.ReplyID, Payload: reply.Encode()}

	out := bundle.New()
	isSuccess := p.forwardUpstreamElement(relay, dec, out)
	assert.True(t, isSuccess)

	decoded, err := bundle.Read(out.Packets(), loginapp.LengthFor)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	gotReply, err := element.DecodeReply(decoded[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), gotReply.RequestID)
	gotResp, err := loginapp.DecodeResponse(gotReply.Body)
	require.NoError(t, err)
	require.Equal(t, loginapp.RespTagSuccess, gotResp.Tag)

	gotSuccess, err := loginapp.DecryptSuccess(relay.blowfishKey, gotResp.SuccessCipher)
	require.NoError(t, err)
	assert.Equal(t, "welcome", gotSuccess.ServerMessage)
	assert.Equal(t, uint32(777), gotSuccess.LoginKey)
	assert.Equal(t, p.baseProxyAddr, gotSuccess.BaseAppAddr)
	assert.NotEqual(t, origSuccess.BaseAppAddr, gotSuccess.BaseAppAddr)

	key, ok := p.keys.Lookup(clientAddr.String())
	require.True(t, ok)
	assert.Equal(t, relay.blowfishKey, key)
}


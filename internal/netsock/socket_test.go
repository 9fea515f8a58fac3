package netsock

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestSocketSendRecvPlaintext(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	bUDP := mustUDPAddr(t, b.LocalAddr().String())

	p := packet.New()
	copy(p.Grow(5), []byte("hello"))
	p.SetPrefix(0x11223344)

	require.NoError(t, a.Send(p, bUDP))

	recvPkt := packet.New()
	_, err = b.Recv(recvPkt)
	require.NoError(t, err)
	require.Equal(t, uint32(0x11223344), recvPkt.Prefix())
	require.Equal(t, []byte("hello"), recvPkt.Body())

	stat := a.Stat()
	require.Equal(t, int64(1), stat.SentDatagrams)
}

func TestSocketSendRecvEncrypted(t *testing.T) {
	a, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	aUDP := mustUDPAddr(t, a.LocalAddr().String())
	bUDP := mustUDPAddr(t, b.LocalAddr().String())

	bf, err := cipher.NewBlowfish([]byte("sessionkey123456"))
	require.NoError(t, err)

	a.SetEncryption(bUDP, bf)
	b.SetEncryption(aUDP, bf)

	p := packet.New()
	copy(p.Grow(5), []byte("hello"))
	p.SetPrefix(0xAABBCCDD)

	require.NoError(t, a.Send(p, bUDP))

	recvPkt := packet.New()
	src, err := b.Recv(recvPkt)
	require.NoError(t, err)
	require.NotNil(t, src)
	require.Equal(t, uint32(0xAABBCCDD), recvPkt.Prefix())
	require.Equal(t, []byte("hello"), recvPkt.Body())
}

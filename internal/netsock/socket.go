package netsock

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// Stats holds cumulative send/recv counters for a Socket.
type Stats struct {
	SentBytes     int64
	SentDatagrams int64
	RecvBytes     int64
	RecvDatagrams int64
}

// Socket wraps a UDP connection with a peer-to-Blowfish-key map and
// statistics counters. The key map follows a single-writer/many-reader
// discipline: the control path (login/base-app success) calls SetEncryption,
// while Send and Recv only ever read it.
type Socket struct {
	conn *net.UDPConn

	mu   sync.RWMutex
	keys map[string]*cipher.Blowfish

	sentBytes, sentDatagrams atomic.Int64
	recvBytes, recvDatagrams atomic.Int64
}

// Bind opens a UDP socket on addr.
func Bind(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netsock: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netsock: listen %s: %w", addr, err)
	}
	return &Socket{conn: conn, keys: make(map[string]*cipher.Blowfish)}, nil
}

// LocalAddr returns the socket's bound address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close closes the underlying UDP connection.
func (s *Socket) Close() error { return s.conn.Close() }

// SetEncryption registers bf as the Blowfish key for peer. Safe to call
// concurrently with Send/Recv from other goroutines.
func (s *Socket) SetEncryption(peer *net.UDPAddr, bf *cipher.Blowfish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[peer.String()] = bf
}

// RemoveEncryption drops any registered key for peer.
func (s *Socket) RemoveEncryption(peer *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, peer.String())
}

func (s *Socket) encryptionFor(peer *net.UDPAddr) *cipher.Blowfish {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[peer.String()]
}

// Stat returns a snapshot of the socket's cumulative counters.
func (s *Socket) Stat() Stats {
	return Stats{
		SentBytes:     s.sentBytes.Load(),
		SentDatagrams: s.sentDatagrams.Load(),
		RecvBytes:     s.recvBytes.Load(),
		RecvDatagrams: s.recvDatagrams.Load(),
	}
}

// Send encrypts p (if a key is registered for dst) and writes it to dst.
func (s *Socket) Send(p *packet.Packet, dst *net.UDPAddr) error {
	n := p.Len()
	if bf := s.encryptionFor(dst); bf != nil {
		raw := p.Raw()
		total, err := EncryptFrame(bf, raw[:n], packet.PrefixLen)
		if err != nil {
			return fmt.Errorf("netsock: send to %s: %w", dst, err)
		}
		n = total
	}
	if _, err := s.conn.WriteToUDP(p.Raw()[:n], dst); err != nil {
		return fmt.Errorf("netsock: send to %s: %w", dst, err)
	}
	s.sentBytes.Add(int64(n))
	s.sentDatagrams.Add(1)
	return nil
}

// Recv reads one datagram into p, decrypting it if a key is registered for
// the source address, and returns the source.
func (s *Socket) Recv(p *packet.Packet) (*net.UDPAddr, error) {
	n, src, err := s.conn.ReadFromUDP(p.Raw())
	if err != nil {
		return nil, fmt.Errorf("netsock: recv: %w", err)
	}
	s.recvBytes.Add(int64(n))
	s.recvDatagrams.Add(1)

	if bf := s.encryptionFor(src); bf != nil {
		total, err := DecryptFrame(bf, p.Raw()[:n], packet.PrefixLen)
		if err != nil {
			return src, fmt.Errorf("netsock: recv from %s: %w", src, err)
		}
		n = total
	}
	p.SetLen(n)
	return src, nil
}

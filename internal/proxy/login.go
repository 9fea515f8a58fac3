package proxy

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/element"
	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
	"github.com/nullpointer-dev/bwnet/internal/loginapp"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// UpstreamKeySource supplies the RSA public keys a login proxy wraps
// forwarded LoginRequests with. Satisfied directly by *loginapp.App when the
// proxy and the real login app share a process (e.g. in tests); a
// process-separated deployment would instead fetch these out of band and
// adapt them behind this same interface.
type UpstreamKeySource interface {
	PublicKeys() []*rsa.PublicKey
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventRelayed EventKind = iota
	EventLoginObserved
	EventIoError
)

// Event is one item on a proxy's event stream, drained by the caller of Run.
type Event struct {
	Kind   EventKind
	Addr   string
	Err    error
	Detail string
}

type loginRelay struct {
	clientAddr      *net.UDPAddr
	clientTracker   *channel.Tracker
	upstreamTracker *channel.Tracker
	upstreamSock    *netsock.Socket
	blowfishKey     []byte
	createdAt       time.Time
}

// LoginProxy relays the login handshake between a client and a real login
// app, decoding and logging every element and rewriting the LoginSuccess
// payload's base-app address to point at a co-located BaseAppProxy. It holds
// its own RSA key pool, presenting the same wire contract to clients as a
// real loginapp.App (§4.10).
type LoginProxy struct {
	cfg           config.ProxyConfig
	clientSock    *netsock.Socket
	upstreamAddr  *net.UDPAddr
	upstreamKeys  UpstreamKeySource
	baseProxyAddr ioutil.SockAddrV4
	keys          *KeyTable

	rsaKeys []*rsa.PrivateKey
	rsaNext atomic.Uint32

	relaysMu sync.Mutex
	relays   map[string]*loginRelay

	runGroup atomic.Pointer[errgroup.Group]
	runCtx   atomic.Pointer[context.Context]

	events chan Event
}

// NewLoginProxy builds a LoginProxy listening on cfg.ListenAddress, relaying
// to cfg.UpstreamLogin, and rewriting successful logins' base-app address to
// baseProxyAddr. upstreamKeys supplies the real login app's RSA public keys.
func NewLoginProxy(cfg config.ProxyConfig, upstreamKeys UpstreamKeySource, baseProxyAddr string, keys *KeyTable) (*LoginProxy, error) {
	clientSock, err := netsock.Bind(cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("proxy: bind client socket: %w", err)
	}
	upstreamAddr, err := net.ResolveUDPAddr("udp", cfg.UpstreamLogin)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve upstream login address: %w", err)
	}
	baseAddr, err := parseSockAddrV4(baseProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: base proxy address: %w", err)
	}

	const keyBits = 1024
	k, err := cipher.GenerateRSAKeyPair(keyBits)
	if err != nil {
		return nil, fmt.Errorf("proxy: rsa key: %w", err)
	}

	return &LoginProxy{
		cfg:           cfg,
		clientSock:    clientSock,
		upstreamAddr:  upstreamAddr,
		upstreamKeys:  upstreamKeys,
		baseProxyAddr: baseAddr,
		keys:          keys,
		rsaKeys:       []*rsa.PrivateKey{k},
		relays:        make(map[string]*loginRelay),
		events:        make(chan Event, 256),
	}, nil
}

// Events returns the proxy's event stream.
func (p *LoginProxy) Events() <-chan Event { return p.events }

// Close releases the client-facing socket and every relay's upstream socket.
func (p *LoginProxy) Close() error {
	p.relaysMu.Lock()
	for _, r := range p.relays {
		r.upstreamSock.Close()
	}
	p.relaysMu.Unlock()
	return p.clientSock.Close()
}

// PublicKeys returns the proxy's own RSA public key pool, presented to
// clients exactly as a real loginapp.App would.
func (p *LoginProxy) PublicKeys() []*rsa.PublicKey {
	out := make([]*rsa.PublicKey, len(p.rsaKeys))
	for i, k := range p.rsaKeys {
		out[i] = &k.PublicKey
	}
	return out
}

func (p *LoginProxy) emit(ev Event) {
	switch ev.Kind {
	case EventIoError:
		slog.Warn("loginproxy event", "kind", ev.Kind, "addr", ev.Addr, "err", ev.Err, "detail", ev.Detail)
	default:
		slog.Debug("loginproxy event", "kind", ev.Kind, "addr", ev.Addr, "detail", ev.Detail)
	}
	select {
	case p.events <- ev:
	default:
		slog.Warn("loginproxy event channel full, dropping", "kind", ev.Kind)
	}
}

func (p *LoginProxy) nextUpstreamKey() *rsa.PublicKey {
	keys := p.upstreamKeys.PublicKeys()
	if len(keys) == 0 {
		return nil
	}
	idx := p.rsaNext.Add(1) - 1
	return keys[int(idx)%len(keys)]
}

func (p *LoginProxy) relayFor(addr *net.UDPAddr) (*loginRelay, error) {
	p.relaysMu.Lock()
	defer p.relaysMu.Unlock()
	key := addr.String()
	if r, ok := p.relays[key]; ok {
		return r, nil
	}
	sock, err := netsock.Bind("0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("proxy: bind upstream relay socket for %s: %w", key, err)
	}
	r := &loginRelay{
		clientAddr:      addr,
		clientTracker:   channel.New(),
		upstreamTracker: channel.New(),
		upstreamSock:    sock,
		createdAt:       time.Now(),
	}
	p.relays[key] = r
	if g := p.runGroup.Load(); g != nil {
		g.Go(func() error { return p.pumpUpstream(r) })
	}
	return r, nil
}

// Run drives the client-facing recv loop until ctx is cancelled. Each new
// client also gets its own upstream-facing recv loop (pumpUpstream), added
// to the same errgroup as it's created.
func (p *LoginProxy) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	p.runGroup.Store(g)
	p.runCtx.Store(&gctx)

	g.Go(func() error {
		for {
			pkt := packet.New()
			src, err := p.clientSock.Recv(pkt)
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				p.emit(Event{Kind: EventIoError, Err: err})
				continue
			}
			if err := p.handleClientDatagram(src, pkt); err != nil {
				p.emit(Event{Kind: EventIoError, Addr: src.String(), Err: err})
			}
		}
	})

	sweep := time.NewTicker(10 * time.Second)
	defer sweep.Stop()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sweep.C:
				p.keys.SweepExpired()
			}
		}
	})

	return g.Wait()
}

func (p *LoginProxy) handleClientDatagram(src *net.UDPAddr, pkt *packet.Packet) error {
	relay, err := p.relayFor(src)
	if err != nil {
		return err
	}

	cfg, err := pkt.ReadConfig()
	if err != nil {
		return fmt.Errorf("proxy: read client packet config: %w", err)
	}
	relay.clientTracker.ObserveInbound(cfg.SeqNum)
	if cfg.CumulativeAck != nil {
		relay.clientTracker.AckCumulative(*cfg.CumulativeAck)
	}
	for _, s := range cfg.Acks {
		relay.clientTracker.Ack(s, nil)
	}

	decoded, err := bundle.Read([]*packet.Packet{pkt}, loginapp.LengthFor)
	if err != nil {
		return fmt.Errorf("proxy: decode client bundle: %w", err)
	}

	out := bundle.New()
	for _, dec := range decoded {
		p.forwardClientElement(relay, dec, out)
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return nil
	}
	return sendBundle(relay.upstreamSock, p.upstreamAddr, relay.upstreamTracker, out)
}

// forwardClientElement transforms one client-originated element for the
// upstream leg. A LoginRequest is decoded (opportunistically RSA-unwrapped
// against the proxy's own key pool, since that's what the client encrypted
// against), logged, and re-wrapped with an upstream public key; everything
// else passes through unchanged.
func (p *LoginProxy) forwardClientElement(relay *loginRelay, dec bundle.Decoded, out *bundle.Bundle) {
	if dec.ID != loginapp.ElemLoginRequest {
		writeForwarded(out, dec, loginapp.LengthFor)
		return
	}

	req, err := loginapp.DecodeIncomingLoginRequest(p.rsaKeys, dec.Payload)
	if err != nil {
		p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
		return
	}
	relay.blowfishKey = append([]byte(nil), req.BlowfishKey...)
	p.emit(Event{Kind: EventRelayed, Addr: relay.clientAddr.String(), Detail: fmt.Sprintf("login request for %q", req.Username)})

	plain := loginapp.EncodeLoginRequest(req)
	upstreamKey := p.nextUpstreamKey()
	payload := plain
	if upstreamKey != nil {
		wrapped, err := loginapp.RSAWrapLoginRequest(upstreamKey, plain)
		if err != nil {
			p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
			return
		}
		payload = wrapped
	}
	writeElement(out, dec, loginapp.ElemLoginRequest, element.Var16, payload)
}

func (p *LoginProxy) pumpUpstream(relay *loginRelay) error {
	for {
		pkt := packet.New()
		_, err := relay.upstreamSock.Recv(pkt)
		if ctxPtr := p.runCtx.Load(); ctxPtr != nil && (*ctxPtr).Err() != nil {
			return nil
		}
		if err != nil {
			p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
			return nil
		}
		if err := p.handleUpstreamDatagram(relay, pkt); err != nil {
			p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
		}
	}
}

func (p *LoginProxy) handleUpstreamDatagram(relay *loginRelay, pkt *packet.Packet) error {
	cfg, err := pkt.ReadConfig()
	if err != nil {
		return fmt.Errorf("proxy: read upstream packet config: %w", err)
	}
	relay.upstreamTracker.ObserveInbound(cfg.SeqNum)
	relay.upstreamTracker.SetLastObservedPrefix(pkt.Prefix())
	if cfg.CumulativeAck != nil {
		relay.upstreamTracker.AckCumulative(*cfg.CumulativeAck)
	}
	for _, s := range cfg.Acks {
		relay.upstreamTracker.Ack(s, nil)
	}

	decoded, err := bundle.Read([]*packet.Packet{pkt}, loginapp.LengthFor)
	if err != nil {
		return fmt.Errorf("proxy: decode upstream bundle: %w", err)
	}

	out := bundle.New()
	sawSuccess := false
	for _, dec := range decoded {
		if p.forwardUpstreamElement(relay, dec, out) {
			sawSuccess = true
		}
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return nil
	}
	// Every other reply carries the prefix the proxy's own packet layer
	// assigns it unchanged; only the login-success reply mirrors the prefix
	// most recently observed from the real upstream, so a client watching
	// prefixes across the handoff sees continuity with the app it actually
	// logged into (§4.5, §4.10).
	if sawSuccess {
		prefix := relay.upstreamTracker.LastObservedPrefix()
		for _, op := range out.Packets() {
			op.SetPrefix(prefix)
		}
	}
	return sendBundle(p.clientSock, relay.clientAddr, relay.clientTracker, out)
}

// forwardUpstreamElement transforms one upstream-originated element for the
// client leg. A reply wrapping a login Response is decoded; a Success
// payload is decrypted with the observed Blowfish key, its base-app address
// rewritten to point at the co-located BaseAppProxy, recorded in the shared
// KeyTable, and re-encrypted; everything else passes through unchanged. It
// reports whether the element was a login-success reply.
func (p *LoginProxy) forwardUpstreamElement(relay *loginRelay, dec bundle.Decoded, out *bundle.Bundle) bool {
	if dec.ID != element.ReplyID {
		writeForwarded(out, dec, loginapp.LengthFor)
		return false
	}

	reply, err := element.DecodeReply(dec.Payload)
	if err != nil {
		p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
		return false
	}
	resp, err := loginapp.DecodeResponse(reply.Body)
	if err != nil {
		p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
		return false
	}

	isSuccess := false
	if resp.Tag == loginapp.RespTagSuccess && len(relay.blowfishKey) > 0 {
		success, err := loginapp.DecryptSuccess(relay.blowfishKey, resp.SuccessCipher)
		if err != nil {
			p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
			return false
		}
		p.keys.Observe(relay.clientAddr.String(), relay.blowfishKey, success.LoginKey)
		p.emit(Event{Kind: EventLoginObserved, Addr: relay.clientAddr.String(), Detail: fmt.Sprintf("login_key=%d", success.LoginKey)})

		success.BaseAppAddr = p.baseProxyAddr
		cipherText, err := loginapp.EncryptSuccess(relay.blowfishKey, success)
		if err != nil {
			p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
			return false
		}
		resp.SuccessCipher = cipherText
		isSuccess = true
	}

	body := element.Reply{RequestID: reply.RequestID, Body: loginapp.EncodeResponse(resp)}.Encode()
	if err := out.WriteElement(element.ReplyID, element.Var32, false, 0, body); err != nil {
		p.emit(Event{Kind: EventIoError, Addr: relay.clientAddr.String(), Err: err})
		return false
	}
	return isSuccess
}

// writeForwarded re-encodes dec unchanged, preserving its request/reply
// framing, using lookup to recover its length kind.
func writeForwarded(out *bundle.Bundle, dec bundle.Decoded, lookup bundle.LengthLookup) {
	length, ok := lookup(dec.ID)
	if !ok {
		slog.Warn("proxy: no length kind for forwarded element, dropping", "id", fmt.Sprintf("%#x", dec.ID))
		return
	}
	writeElement(out, dec, dec.ID, length, dec.Payload)
}

func writeElement(out *bundle.Bundle, dec bundle.Decoded, id byte, length element.Length, payload []byte) {
	if err := out.WriteElement(id, length, dec.IsRequest, dec.RequestID, payload); err != nil {
		slog.Error("proxy: writing forwarded element", "id", fmt.Sprintf("%#x", id), "err", err)
	}
}

func parseSockAddrV4(addr string) (ioutil.SockAddrV4, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return ioutil.SockAddrV4{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ip4 := udpAddr.IP.To4()
	if ip4 == nil {
		return ioutil.SockAddrV4{}, fmt.Errorf("%s is not an IPv4 address", addr)
	}
	var a ioutil.SockAddrV4
	copy(a.IP[:], ip4)
	a.Port = uint16(udpAddr.Port)
	return a, nil
}

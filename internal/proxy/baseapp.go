package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullpointer-dev/bwnet/internal/baseapp"
	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

type baseRelay struct {
	clientAddr      *net.UDPAddr
	clientTracker   *channel.Tracker
	upstreamTracker *channel.Tracker
	upstreamSock    *netsock.Socket
	blowfishKey     []byte
	keyed           bool
	createdAt       time.Time
}

// BaseAppProxy relays base-app traffic between a client and a real base app.
// Unlike LoginProxy, it does not transform element payloads: the Blowfish
// key a LoginProxy observed during the client's login (via the shared
// KeyTable) is registered on both the client- and upstream-facing sockets,
// so Socket.Send/Recv transparently handle the cipher while the proxy still
// decodes each bundle to log it (§4.10).
type BaseAppProxy struct {
	cfg          config.ProxyConfig
	clientSock   *netsock.Socket
	upstreamAddr *net.UDPAddr
	keys         *KeyTable

	relaysMu sync.Mutex
	relays   map[string]*baseRelay

	runGroup atomic.Pointer[errgroup.Group]
	runCtx   atomic.Pointer[context.Context]

	events chan Event
}

// NewBaseAppProxy builds a BaseAppProxy listening on cfg.ListenAddress and
// relaying to cfg.UpstreamBase, consulting keys (shared with a LoginProxy)
// to recover each client's negotiated Blowfish key.
func NewBaseAppProxy(cfg config.ProxyConfig, keys *KeyTable) (*BaseAppProxy, error) {
	clientSock, err := netsock.Bind(cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("proxy: bind client socket: %w", err)
	}
	upstreamAddr, err := net.ResolveUDPAddr("udp", cfg.UpstreamBase)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve upstream base address: %w", err)
	}
	return &BaseAppProxy{
		cfg:          cfg,
		clientSock:   clientSock,
		upstreamAddr: upstreamAddr,
		keys:         keys,
		relays:       make(map[string]*baseRelay),
		events:       make(chan Event, 256),
	}, nil
}

// Events returns the proxy's event stream.
func (p *BaseAppProxy) Events() <-chan Event { return p.events }

// Close releases the client-facing socket and every relay's upstream socket.
func (p *BaseAppProxy) Close() error {
	p.relaysMu.Lock()
	for _, r := range p.relays {
		r.upstreamSock.Close()
	}
	p.relaysMu.Unlock()
	return p.clientSock.Close()
}

func (p *BaseAppProxy) emit(ev Event) {
	switch ev.Kind {
	case EventIoError:
		slog.Warn("baseappproxy event", "kind", ev.Kind, "addr", ev.Addr, "err", ev.Err, "detail", ev.Detail)
	default:
		slog.Debug("baseappproxy event", "kind", ev.Kind, "addr", ev.Addr, "detail", ev.Detail)
	}
	select {
	case p.events <- ev:
	default:
		slog.Warn("baseappproxy event channel full, dropping", "kind", ev.Kind)
	}
}

func (p *BaseAppProxy) relayFor(addr *net.UDPAddr) (*baseRelay, error) {
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
	r := &baseRelay{
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

// applyObservedKey registers a Blowfish key for this peer on both legs of
// the relay the first time one becomes available in the shared KeyTable.
func (p *BaseAppProxy) applyObservedKey(r *baseRelay) {
	if r.keyed {
		return
	}
	key, ok := p.keys.Lookup(r.clientAddr.String())
	if !ok {
		return
	}
	bf, err := cipher.NewBlowfish(key)
	if err != nil {
		p.emit(Event{Kind: EventIoError, Addr: r.clientAddr.String(), Err: err})
		return
	}
	p.clientSock.SetEncryption(r.clientAddr, bf)
	bfUp, err := cipher.NewBlowfish(key)
	if err != nil {
		p.emit(Event{Kind: EventIoError, Addr: r.clientAddr.String(), Err: err})
		return
	}
	r.upstreamSock.SetEncryption(p.upstreamAddr, bfUp)
	r.blowfishKey = key
	r.keyed = true
}

// Run drives the client-facing recv loop until ctx is cancelled, mirroring
// LoginProxy.Run's dynamic per-relay upstream pump shape.
func (p *BaseAppProxy) Run(ctx context.Context) error {
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

	return g.Wait()
}

func (p *BaseAppProxy) handleClientDatagram(src *net.UDPAddr, pkt *packet.Packet) error {
	relay, err := p.relayFor(src)
	if err != nil {
		return err
	}
	p.applyObservedKey(relay)

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

	decoded, err := bundle.Read([]*packet.Packet{pkt}, baseapp.LengthFor)
	if err != nil {
		return fmt.Errorf("proxy: decode client bundle: %w", err)
	}

	out := bundle.New()
	for _, dec := range decoded {
		logElement(p, relay.clientAddr, "client->upstream", dec)
		writeForwarded(out, dec, baseapp.LengthFor)
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return nil
	}
	return sendBundle(relay.upstreamSock, p.upstreamAddr, relay.upstreamTracker, out)
}

func (p *BaseAppProxy) pumpUpstream(relay *baseRelay) error {
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

func (p *BaseAppProxy) handleUpstreamDatagram(relay *baseRelay, pkt *packet.Packet) error {
	p.applyObservedKey(relay)

	cfg, err := pkt.ReadConfig()
	if err != nil {
		return fmt.Errorf("proxy: read upstream packet config: %w", err)
	}
	relay.upstreamTracker.ObserveInbound(cfg.SeqNum)
	if cfg.CumulativeAck != nil {
		relay.upstreamTracker.AckCumulative(*cfg.CumulativeAck)
	}
	for _, s := range cfg.Acks {
		relay.upstreamTracker.Ack(s, nil)
	}

	decoded, err := bundle.Read([]*packet.Packet{pkt}, baseapp.LengthFor)
	if err != nil {
		return fmt.Errorf("proxy: decode upstream bundle: %w", err)
	}

	out := bundle.New()
	for _, dec := range decoded {
		logElement(p, relay.clientAddr, "upstream->client", dec)
		writeForwarded(out, dec, baseapp.LengthFor)
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return nil
	}
	return sendBundle(p.clientSock, relay.clientAddr, relay.clientTracker, out)
}

func logElement(p *BaseAppProxy, addr *net.UDPAddr, direction string, dec bundle.Decoded) {
	p.emit(Event{Kind: EventRelayed, Addr: addr.String(), Detail: fmt.Sprintf("%s id=%#x", direction, dec.ID)})
}

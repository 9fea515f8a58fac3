package baseapp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/element"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// ConnectionState is a base-app client's handshake position.
type ConnectionState int

const (
	StatePending ConnectionState = iota
	StateAuthed
	StateRunning
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAuthed:
		return "AUTHED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

type clientSession struct {
	state       ConnectionState
	blowfishKey []byte
	sessionKey  uint32
	createdAt   time.Time
}

// clientTable is a TTL-swept map of authed-or-running base-app clients,
// mirroring loginapp's sessionTable.
type clientTable struct {
	mu      sync.Mutex
	clients map[string]*clientSession
	ttl     time.Duration
}

func newClientTable(ttl time.Duration) *clientTable {
	return &clientTable{clients: make(map[string]*clientSession), ttl: ttl}
}

func (t *clientTable) set(addr string, c *clientSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[addr] = c
}

func (t *clientTable) get(addr string) (*clientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[addr]
	return c, ok
}

func (t *clientTable) sweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for addr, c := range t.clients {
		if now.Sub(c.createdAt) > t.ttl {
			delete(t.clients, addr)
		}
	}
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventAuthAccepted EventKind = iota
	EventAuthRejected
	EventSessionConfirmed
	EventIoError
)

// Event is one item on an App's event stream, drained by the caller of Run.
type Event struct {
	Kind   EventKind
	Addr   string
	Err    error
	Detail string
}

type inboundDatagram struct {
	src *net.UDPAddr
	pkt *packet.Packet
}

// App is the base application: it authenticates clients against login keys
// allocated by a login app, negotiates a session key, and streams each
// client's initial entity set once it's confirmed.
type App struct {
	cfg     config.BaseAppConfig
	sock    *netsock.Socket
	pending *PendingTable
	clients *clientTable

	trackersMu sync.Mutex
	trackers   map[string]*channel.Tracker

	sessionKeyCounter atomic.Uint32

	events chan Event
}

// New builds an App bound to cfg.BindAddress:cfg.Port, backed by pending for
// login-key validation.
func New(cfg config.BaseAppConfig, pending *PendingTable) (*App, error) {
	sock, err := netsock.Bind(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("baseapp: bind: %w", err)
	}
	return &App{
		cfg:      cfg,
		sock:     sock,
		pending:  pending,
		clients:  newClientTable(cfg.SessionKeyTTL),
		trackers: make(map[string]*channel.Tracker),
		events:   make(chan Event, 256),
	}, nil
}

// Events returns the app's event stream.
func (a *App) Events() <-chan Event { return a.events }

// Close releases the bound socket.
func (a *App) Close() error { return a.sock.Close() }

func (a *App) emit(ev Event) {
	switch ev.Kind {
	case EventIoError, EventAuthRejected:
		slog.Warn("baseapp event", "kind", ev.Kind, "addr", ev.Addr, "err", ev.Err, "detail", ev.Detail)
	default:
		slog.Debug("baseapp event", "kind", ev.Kind, "addr", ev.Addr, "detail", ev.Detail)
	}
	select {
	case a.events <- ev:
	default:
		slog.Warn("baseapp event channel full, dropping", "kind", ev.Kind)
	}
}

func (a *App) trackerFor(addr string) *channel.Tracker {
	a.trackersMu.Lock()
	defer a.trackersMu.Unlock()
	t, ok := a.trackers[addr]
	if !ok {
		t = channel.New()
		a.trackers[addr] = t
	}
	return t
}

// Run drives the recv/dispatch/send loop until ctx is cancelled, following
// the same bounded recv-worker-pool-feeding-a-single-threaded-loop shape as
// loginapp.App.Run (see SPEC_FULL.md §5).
func (a *App) Run(ctx context.Context) error {
	const recvWorkers = 4
	sem := semaphore.NewWeighted(recvWorkers)
	inbound := make(chan inboundDatagram, 64)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(inbound)
		for {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			p := packet.New()
			src, err := a.sock.Recv(p)
			sem.Release(1)
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				a.emit(Event{Kind: EventIoError, Err: err})
				continue
			}
			select {
			case inbound <- inboundDatagram{src: src, pkt: p}:
			case <-gctx.Done():
				return nil
			}
		}
	})

	ttl := a.cfg.PendingClientTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	sweep := time.NewTicker(ttl)
	defer sweep.Stop()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case d, ok := <-inbound:
				if !ok {
					return nil
				}
				a.handleDatagram(d.src, d.pkt)
			case <-sweep.C:
				a.pending.sweepExpired()
				a.clients.sweepExpired()
			}
		}
	})

	return g.Wait()
}

func (a *App) handleDatagram(src *net.UDPAddr, p *packet.Packet) {
	addr := src.String()
	cfg, err := p.ReadConfig()
	if err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
		return
	}

	tracker := a.trackerFor(addr)
	if cfg.Reliable || cfg.SeqRange != nil {
		tracker.ObserveInbound(cfg.SeqNum)
	}
	if cfg.CumulativeAck != nil {
		tracker.AckCumulative(*cfg.CumulativeAck)
	}
	for _, s := range cfg.Acks {
		tracker.Ack(s, nil)
	}

	var packets []*packet.Packet
	if cfg.SeqRange != nil {
		if err := channel.Validate(*cfg.SeqRange); err != nil {
			a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
			return
		}
		tracker.AddFragment(*cfg.SeqRange, cfg.SeqNum, p.Body())
		body, ready := tracker.TryReassemble(*cfg.SeqRange)
		if !ready {
			return
		}
		reassembled := packet.New()
		copy(reassembled.Grow(len(body)), body)
		reassembled.SetFirstRequestOffset(p.FirstRequestOffset())
		packets = []*packet.Packet{reassembled}
	} else {
		packets = []*packet.Packet{p}
	}

	decoded, err := bundle.Read(packets, LengthFor)
	if err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
		return
	}

	out := bundle.New()
	for _, dec := range decoded {
		a.handleElement(addr, src, dec, out)
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return
	}
	if err := a.sendBundle(src, tracker, out); err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
	}
}

func (a *App) handleElement(addr string, src *net.UDPAddr, dec bundle.Decoded, out *bundle.Bundle) {
	switch dec.ID {
	case ElemClientAuth:
		a.handleClientAuth(addr, src, dec, out)
	case ElemClientSessionKey:
		a.handleClientSessionKey(addr, dec, out)
	default:
		slog.Debug("baseapp: ignoring element outside handshake scope", "id", fmt.Sprintf("%#x", dec.ID), "addr", addr)
	}
}

func (a *App) handleClientAuth(addr string, src *net.UDPAddr, dec bundle.Decoded, out *bundle.Bundle) {
	auth, err := DecodeClientAuth(dec.Payload)
	if err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
		return
	}

	blowfishKey, ok := a.pending.TakeIfMatch(auth.LoginKey, addr)
	if !ok {
		a.emit(Event{Kind: EventAuthRejected, Addr: addr, Detail: fmt.Sprintf("login_key=%d", auth.LoginKey)})
		return
	}

	bf, err := cipher.NewBlowfish(blowfishKey)
	if err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
		return
	}
	a.sock.SetEncryption(src, bf)

	sessionKey := a.allocateSessionKey()
	a.clients.set(addr, &clientSession{state: StateAuthed, blowfishKey: blowfishKey, sessionKey: sessionKey, createdAt: time.Now()})
	a.emit(Event{Kind: EventAuthAccepted, Addr: addr, Detail: fmt.Sprintf("login_key=%d session_key=%d", auth.LoginKey, sessionKey)})

	payload := EncodeServerSessionKey(sessionKey)
	if dec.IsRequest {
		body := element.Reply{RequestID: dec.RequestID, Body: payload}.Encode()
		if err := out.WriteElement(element.ReplyID, element.Var32, false, 0, body); err != nil {
			slog.Error("baseapp: writing server session key reply", "err", err)
		}
	} else if err := out.WriteElement(ElemClientSessionKey, element.NewFixed(4), false, 0, payload); err != nil {
		slog.Error("baseapp: writing server session key", "err", err)
	}
}

func (a *App) handleClientSessionKey(addr string, dec bundle.Decoded, out *bundle.Bundle) {
	sessionKey, err := DecodeClientSessionKey(dec.Payload)
	if err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
		return
	}

	client, ok := a.clients.get(addr)
	if !ok || client.state == StatePending {
		a.emit(Event{Kind: EventAuthRejected, Addr: addr, Detail: "session key confirmed before auth"})
		return
	}
	if sessionKey != client.sessionKey {
		a.emit(Event{Kind: EventAuthRejected, Addr: addr, Detail: "session key mismatch"})
		return
	}

	if client.state != StateAuthed {
		return // already running; a repeat confirmation is a no-op
	}
	client.state = StateRunning
	a.emit(Event{Kind: EventSessionConfirmed, Addr: addr})
	a.streamInitialEntities(out)
}

// streamInitialEntities writes the fixed sequence of entity-bootstrap
// notifications a freshly RUNNING client expects, per SPEC_FULL.md §4.9.
func (a *App) streamInitialEntities(out *bundle.Bundle) {
	const tickPeriodMillis = 100
	const playerEntityID = 1

	writes := []struct {
		id      byte
		length  element.Length
		payload []byte
	}{
		{ElemUpdateFrequencyNotification, element.Var16, EncodeUpdateFrequencyNotification(UpdateFrequencyNotification{TickPeriodMillis: tickPeriodMillis})},
		{ElemTickSync, element.Var16, EncodeTickSync(TickSync{Tick: 0})},
		{ElemCreateBasePlayer, element.Var16, EncodeCreateBasePlayer(CreateBasePlayer{EntityID: playerEntityID, TypeName: "Avatar"})},
		{ElemSelectPlayerEntity, element.Var16, EncodeSelectPlayerEntity(SelectPlayerEntity{EntityID: playerEntityID})},
		{ElemResetEntities, element.Var16, EncodeResetEntities()},
	}
	for _, w := range writes {
		if err := out.WriteElement(w.id, w.length, false, 0, w.payload); err != nil {
			slog.Error("baseapp: streaming initial entity set", "id", fmt.Sprintf("%#x", w.id), "err", err)
			return
		}
	}
}

func (a *App) allocateSessionKey() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err == nil {
		if v := binary.LittleEndian.Uint32(buf[:]); v != 0 {
			return v
		}
	}
	return a.sessionKeyCounter.Add(1)
}

func (a *App) sendBundle(dst *net.UDPAddr, tracker *channel.Tracker, b *bundle.Bundle) error {
	packets := b.Packets()
	first := tracker.NextOutboundSeq()
	for i := 1; i < len(packets); i++ {
		tracker.NextOutboundSeq()
	}

	acks := tracker.DrainAcks()
	cumulative, hasCumulative := tracker.CumulativeAck()

	for i, p := range packets {
		cfg := &packet.Config{
			Reliable: true,
			SeqNum:   first + uint32(i),
		}
		if len(packets) > 1 {
			cfg.SeqRange = &packet.SeqRange{First: first, Last: first + uint32(len(packets)-1)}
		}
		if i == 0 {
			if hasCumulative {
				cfg.CumulativeAck = &cumulative
			}
			cfg.Acks = acks
		}
		if err := p.WriteConfig(cfg); err != nil {
			return fmt.Errorf("baseapp: write packet config: %w", err)
		}
		if err := a.sock.Send(p, dst); err != nil {
			return fmt.Errorf("baseapp: send: %w", err)
		}
		tracker.RecordSent(first+uint32(i), p.Bytes())
	}
	return nil
}

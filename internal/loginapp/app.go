package loginapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/cuckoo"
	"github.com/nullpointer-dev/bwnet/internal/element"
	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// ConnectionState is the per-peer login state machine position.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateAwaitChallenge
	StateAwaitCredentials
	StateSuccess
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitChallenge:
		return "AWAIT_CHALLENGE"
	case StateAwaitCredentials:
		return "AWAIT_CREDENTIALS"
	case StateSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// Verifier checks a Cuckoo Cycle solution. Satisfied by cuckoo.Verify;
// abstracted so the state machine can be exercised in tests without
// computing a real proof of work.
type Verifier interface {
	Verify(key string, maxNonce uint32, nonces []uint32) error
}

type cuckooVerifier struct{}

func (cuckooVerifier) Verify(key string, maxNonce uint32, nonces []uint32) error {
	return cuckoo.Verify(key, maxNonce, nonces)
}

// PendingClientRegistrar allocates a login key for an authenticated client
// against the base app's pending-client table. Satisfied by baseapp.PendingTable.
type PendingClientRegistrar interface {
	Add(loginKey uint32, addr string, blowfishKey []byte)
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventPing EventKind = iota
	EventChallengeIssued
	EventChallengeFailed
	EventLoginSuccess
	EventLoginError
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

// App is the login application: it terminates LoginRequest/ChallengeResponse
// traffic, issues Cuckoo Cycle challenges, and hands successful logins off to
// a base app via a PendingClientRegistrar.
type App struct {
	cfg       config.LoginAppConfig
	sock      *netsock.Socket
	baseAddr  ioutil.SockAddrV4
	verifier  Verifier
	registrar PendingClientRegistrar

	rsaKeys []*rsa.PrivateKey

	sessions *sessionTable

	trackersMu sync.Mutex
	trackers   map[string]*channel.Tracker

	loginKeyCounter atomic.Uint32

	events chan Event
}

// New builds an App bound to cfg.BindAddress:cfg.Port, pre-generating its RSA
// key pool. registrar receives allocated login keys on successful auth.
func New(cfg config.LoginAppConfig, registrar PendingClientRegistrar) (*App, error) {
	baseAddr, err := parseSockAddrV4(cfg.BaseAppAddress)
	if err != nil {
		return nil, fmt.Errorf("loginapp: base app address: %w", err)
	}

	sock, err := netsock.Bind(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("loginapp: bind: %w", err)
	}

	keyPool := cfg.RSAKeyPool
	if keyPool <= 0 {
		keyPool = 1
	}
	slog.Info("generating rsa key pool", "count", keyPool, "bits", cfg.RSAKeyBits)
	keys := make([]*rsa.PrivateKey, keyPool)
	for i := range keys {
		k, err := cipher.GenerateRSAKeyPair(cfg.RSAKeyBits)
		if err != nil {
			return nil, fmt.Errorf("loginapp: rsa key %d: %w", i, err)
		}
		keys[i] = k
	}

	return &App{
		cfg:       cfg,
		sock:      sock,
		baseAddr:  baseAddr,
		verifier:  cuckooVerifier{},
		registrar: registrar,
		rsaKeys:   keys,
		sessions:  newSessionTable(cfg.SessionTTL),
		trackers:  make(map[string]*channel.Tracker),
		events:    make(chan Event, 256),
	}, nil
}

// Events returns the app's event stream. Events are also logged via slog at
// emission time regardless of whether this channel is drained.
func (a *App) Events() <-chan Event { return a.events }

// Close releases the bound socket.
func (a *App) Close() error { return a.sock.Close() }

// PublicKeys returns the app's RSA public key pool, for out-of-band
// distribution to clients ahead of their first LoginRequest.
func (a *App) PublicKeys() []*rsa.PublicKey {
	out := make([]*rsa.PublicKey, len(a.rsaKeys))
	for i, k := range a.rsaKeys {
		out[i] = &k.PublicKey
	}
	return out
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

func (a *App) emit(ev Event) {
	switch ev.Kind {
	case EventIoError, EventLoginError, EventChallengeFailed:
		slog.Warn("loginapp event", "kind", ev.Kind, "addr", ev.Addr, "err", ev.Err, "detail", ev.Detail)
	default:
		slog.Debug("loginapp event", "kind", ev.Kind, "addr", ev.Addr, "detail", ev.Detail)
	}
	select {
	case a.events <- ev:
	default:
		slog.Warn("loginapp event channel full, dropping", "kind", ev.Kind)
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

// Run drives the application's recv/dispatch/send loop until ctx is
// cancelled. A small pool of workers performs the blocking socket reads,
// bounded by a semaphore and supervised by an errgroup; decoded datagrams
// fan in through a single buffered channel processed by the single-threaded
// protocol loop below, matching the concurrency model in SPEC_FULL.md §5.
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

	sweep := time.NewTicker(a.cfg.SessionTTL)
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
				a.sessions.sweepExpired()
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
		a.handleElement(addr, dec, out)
	}
	if len(out.Packets()) == 1 && out.Packets()[0].BodyLen() == 0 {
		return
	}
	if err := a.sendBundle(src, tracker, out); err != nil {
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: err})
	}
}

func (a *App) handleElement(addr string, dec bundle.Decoded, out *bundle.Bundle) {
	switch dec.ID {
	case ElemPing:
		a.emit(Event{Kind: EventPing, Addr: addr})
		a.reply(out, dec, ElemPing, element.NewFixed(1), dec.Payload)
	case ElemLoginRequest:
		resp := a.handleLoginRequest(addr, dec.Payload)
		a.reply(out, dec, ElemLoginRequest, element.Var16, EncodeResponse(resp))
	case ElemChallengeResponse:
		resp := a.handleChallengeResponse(addr, dec.Payload)
		a.reply(out, dec, ElemLoginRequest, element.Var16, EncodeResponse(resp))
	default:
		a.emit(Event{Kind: EventIoError, Addr: addr, Err: fmt.Errorf("loginapp: unhandled element id %#x", dec.ID)})
	}
}

// reply writes payload as either a Reply element (if dec was a request, so
// the client can correlate it back by request id) or as a bare top-level
// element of the given id.
func (a *App) reply(out *bundle.Bundle, dec bundle.Decoded, id byte, length element.Length, payload []byte) {
	var err error
	if dec.IsRequest {
		body := element.Reply{RequestID: dec.RequestID, Body: payload}.Encode()
		err = out.WriteElement(element.ReplyID, element.Var32, false, 0, body)
	} else {
		err = out.WriteElement(id, length, false, 0, payload)
	}
	if err != nil {
		slog.Error("loginapp: writing reply element", "err", err)
	}
}

func (a *App) handleLoginRequest(addr string, payload []byte) Response {
	req, err := a.decodeIncomingLoginRequest(payload)
	if err != nil {
		a.emit(Event{Kind: EventLoginError, Addr: addr, Err: err})
		return errorResponse(ErrCodeMalformedRequest, err.Error())
	}

	sess, _ := a.sessions.getOrCreate(addr)

	switch sess.state {
	case StateIdle, StateAwaitChallenge:
		sess.blowfishKey = append([]byte(nil), req.BlowfishKey...)
		prefix, err := randomHexPrefix(8)
		if err != nil {
			a.emit(Event{Kind: EventLoginError, Addr: addr, Err: err})
			return errorResponse(ErrCodeDatabaseNotReady, "could not allocate challenge")
		}
		easiness := a.cfg.ChallengeEasiness
		if easiness <= 0 {
			easiness = cuckoo.Easiness
		}
		maxNonce := cuckoo.MaxNonceForEasiness(easiness)
		sess.challenge = &pendingChallenge{prefix: prefix, maxNonce: maxNonce}
		sess.state = StateAwaitChallenge
		a.emit(Event{Kind: EventChallengeIssued, Addr: addr, Detail: prefix})
		return Response{Tag: RespTagChallenge, Challenge: &ChallengeIssued{Prefix: prefix, MaxNonce: uint64(maxNonce)}}

	case StateAwaitCredentials:
		sess.blowfishKey = append([]byte(nil), req.BlowfishKey...)
		return a.issueSuccess(addr, sess)

	default: // StateSuccess: a repeat request restarts the handshake
		sess.state = StateIdle
		sess.challenge = nil
		sess.challengeComplete = false
		return a.handleLoginRequest(addr, payload)
	}
}

func (a *App) handleChallengeResponse(addr string, payload []byte) Response {
	resp, err := DecodeChallengeResponse(payload)
	if err != nil {
		a.emit(Event{Kind: EventChallengeFailed, Addr: addr, Err: err})
		return errorResponse(ErrCodeChallengeError, err.Error())
	}

	sess, ok := a.sessions.get(addr)
	if !ok || sess.challenge == nil {
		return errorResponse(ErrCodeChallengeError, "no challenge outstanding")
	}
	if !strings.HasPrefix(resp.Key, sess.challenge.prefix) {
		a.emit(Event{Kind: EventChallengeFailed, Addr: addr, Detail: "key does not match issued prefix"})
		return errorResponse(ErrCodeChallengeError, "challenge key does not match issued prefix")
	}
	if err := a.verifier.Verify(resp.Key, sess.challenge.maxNonce, resp.Solution); err != nil {
		a.emit(Event{Kind: EventChallengeFailed, Addr: addr, Err: err})
		return errorResponse(ErrCodeChallengeError, err.Error())
	}

	sess.challengeComplete = true
	sess.challenge = nil
	sess.state = StateAwaitCredentials
	return Response{Tag: RespTagAck, ErrorMessage: "challenge accepted"}
}

func (a *App) issueSuccess(addr string, sess *session) Response {
	loginKey := a.loginKeyCounter.Add(1)
	a.registrar.Add(loginKey, addr, sess.blowfishKey)

	success := LoginSuccess{
		BaseAppAddr:   a.baseAddr,
		LoginKey:      loginKey,
		ServerMessage: "welcome",
	}
	cipherText, err := EncryptSuccess(sess.blowfishKey, success)
	if err != nil {
		a.emit(Event{Kind: EventLoginError, Addr: addr, Err: err})
		return errorResponse(ErrCodeBadDigest, "invalid blowfish key")
	}

	sess.state = StateSuccess
	a.emit(Event{Kind: EventLoginSuccess, Addr: addr, Detail: fmt.Sprintf("login_key=%d", loginKey)})
	return Response{Tag: RespTagSuccess, SuccessCipher: cipherText}
}

// blockPad prepends a 2-byte little-endian true-length and zero-pads data to
// a Blowfish block boundary. This differs from the packet-level Blowfish
// framing, which appends padding, a magic word and a wastage byte instead of
// prefixing a length.
func blockPad(data []byte) ([]byte, error) {
	if len(data) > 0xFFFF {
		return nil, fmt.Errorf("loginapp: login success payload too large to pad (%d bytes)", len(data))
	}
	total := 2 + len(data)
	if rem := total % cipher.BlockSize; rem != 0 {
		total += cipher.BlockSize - rem
	}
	buf := make([]byte, total)
	ioutil.PutU16(buf, 0, uint16(len(data)))
	copy(buf[2:], data)
	return buf, nil
}

func errorResponse(code byte, msg string) Response {
	return Response{Tag: code, ErrorMessage: msg}
}

func randomHexPrefix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("loginapp: random challenge prefix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (a *App) decodeIncomingLoginRequest(payload []byte) (LoginRequest, error) {
	return DecodeIncomingLoginRequest(a.rsaKeys, payload)
}

// DecodeIncomingLoginRequest handles both plaintext and RSA-wrapped
// LoginRequest payloads. Since the wire does not tag which form was used,
// it first tries to RSA-decrypt against keys when the payload length is a
// multiple of some key's modulus size, falling back to plaintext. Exported
// so a login proxy can apply the same heuristic against its own key pool.
func DecodeIncomingLoginRequest(keys []*rsa.PrivateKey, payload []byte) (LoginRequest, error) {
	for _, k := range keys {
		size := k.Size()
		if size == 0 || len(payload)%size != 0 {
			continue
		}
		plain, err := RSAUnwrapLoginRequest(k, payload)
		if err != nil {
			continue
		}
		if req, err := DecodeLoginRequest(plain); err == nil {
			return req, nil
		}
	}
	return DecodeLoginRequest(payload)
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
			return fmt.Errorf("loginapp: write packet config: %w", err)
		}
		if err := a.sock.Send(p, dst); err != nil {
			return fmt.Errorf("loginapp: send: %w", err)
		}
		tracker.RecordSent(first+uint32(i), p.Bytes())
	}
	return nil
}

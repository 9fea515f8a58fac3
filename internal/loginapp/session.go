package loginapp

import (
	"sync"
	"time"
)

// pendingChallenge records an outstanding Cuckoo Cycle challenge for a peer.
type pendingChallenge struct {
	prefix   string
	maxNonce uint32
}

// session is the per-peer state the login app keeps between the first
// LoginRequest and the client's eventual success, error, or timeout.
type session struct {
	addr              string
	blowfishKey       []byte
	lastRequestID     uint32
	challenge         *pendingChallenge
	challengeComplete bool
	createdAt         time.Time
}

// sessionTable is a TTL-swept map of in-flight login sessions keyed by peer
// address. Expired sessions are dropped only by sweepExpired on a periodic
// ticker; get and getOrCreate do not check expiry.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
}

func newSessionTable(ttl time.Duration) *sessionTable {
	return &sessionTable{sessions: make(map[string]*session), ttl: ttl}
}

func (t *sessionTable) getOrCreate(addr string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[addr]; ok {
		return s, false
	}
	s := &session{addr: addr, createdAt: time.Now()}
	t.sessions[addr] = s
	return s, true
}

func (t *sessionTable) get(addr string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[addr]
	return s, ok
}

func (t *sessionTable) remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, addr)
}

// sweepExpired drops sessions older than the table's TTL. Called lazily on a
// periodic ticker inside the app's poll loop.
func (t *sessionTable) sweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for addr, s := range t.sessions {
		if now.Sub(s.createdAt) > t.ttl {
			delete(t.sessions, addr)
		}
	}
}

func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

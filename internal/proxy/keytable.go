// Package proxy implements transparent relays for the login and base
// application protocols: each decrypts inbound traffic, logs it, and
// re-encrypts it for the opposite leg, so the traffic can be observed in
// clear without either real endpoint being aware of the relay.
package proxy

import (
	"sync"
	"time"
)

// observedClient is what the login proxy learns about a client while
// relaying its login exchange: the Blowfish key it negotiated with the
// upstream login app, and the login key the upstream handed it on success.
type observedClient struct {
	blowfishKey []byte
	loginKey    uint32
	observedAt  time.Time
}

// KeyTable carries Blowfish keys observed during a login-proxy success
// across to the base-app proxy for the same client address, mirroring
// loginapp.sessionTable's mutex-guarded-map-with-lazy-sweep shape.
type KeyTable struct {
	mu      sync.Mutex
	entries map[string]*observedClient
	ttl     time.Duration
}

// NewKeyTable returns an empty table whose entries expire after ttl.
func NewKeyTable(ttl time.Duration) *KeyTable {
	return &KeyTable{entries: make(map[string]*observedClient), ttl: ttl}
}

// Observe records the Blowfish key and login key the login proxy learned
// for addr while relaying a successful login.
func (t *KeyTable) Observe(addr string, blowfishKey []byte, loginKey uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = &observedClient{
		blowfishKey: append([]byte(nil), blowfishKey...),
		loginKey:    loginKey,
		observedAt:  time.Now(),
	}
}

// Lookup returns the Blowfish key observed for addr, if any and not
// expired. Unlike PendingTable.TakeIfMatch, the entry is not consumed: a
// base-app proxy may need to re-derive encryption state across reconnects
// within the same login-key lifetime.
func (t *KeyTable) Lookup(addr string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok || time.Since(e.observedAt) > t.ttl {
		return nil, false
	}
	return e.blowfishKey, true
}

// SweepExpired drops entries older than the table's TTL.
func (t *KeyTable) SweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for addr, e := range t.entries {
		if now.Sub(e.observedAt) > t.ttl {
			delete(t.entries, addr)
		}
	}
}

// Count returns the number of entries, for diagnostics and tests.
func (t *KeyTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

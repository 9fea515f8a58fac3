package baseapp

import (
	"sync"
	"time"
)

// pendingEntry is a login key allocated by the login app, awaiting the
// matching client's ClientAuth handshake.
type pendingEntry struct {
	addr        string
	blowfishKey []byte
	createdAt   time.Time
}

// PendingTable is the base app's table of login keys allocated but not yet
// claimed by a ClientAuth. It implements loginapp.PendingClientRegistrar so
// the login app can populate it directly without either package importing
// the other's concrete types.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pendingEntry
	ttl     time.Duration
}

// NewPendingTable returns an empty table whose entries expire after ttl.
func NewPendingTable(ttl time.Duration) *PendingTable {
	return &PendingTable{entries: make(map[uint32]*pendingEntry), ttl: ttl}
}

// Add registers a login key allocated for addr with its negotiated Blowfish
// key. Satisfies loginapp.PendingClientRegistrar.
func (t *PendingTable) Add(loginKey uint32, addr string, blowfishKey []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[loginKey] = &pendingEntry{
		addr:        addr,
		blowfishKey: append([]byte(nil), blowfishKey...),
		createdAt:   time.Now(),
	}
}

// TakeIfMatch consumes the pending entry for loginKey if one exists, has not
// expired, and was allocated for addr. It returns the negotiated Blowfish
// key and true on match; the entry is removed either way once found.
func (t *PendingTable) TakeIfMatch(loginKey uint32, addr string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[loginKey]
	if !ok {
		return nil, false
	}
	delete(t.entries, loginKey)
	if time.Since(e.createdAt) > t.ttl {
		return nil, false
	}
	if e.addr != addr {
		return nil, false
	}
	return e.blowfishKey, true
}

// sweepExpired drops entries older than the table's TTL without requiring a
// ClientAuth to ever arrive for them.
func (t *PendingTable) sweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for key, e := range t.entries {
		if now.Sub(e.createdAt) > t.ttl {
			delete(t.entries, key)
		}
	}
}

// Count returns the number of pending entries, for diagnostics and tests.
func (t *PendingTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Package baseapp implements the base-application handshake: a client that
// has already obtained a login key from the login app proves it holds that
// key, receives a session key, and is streamed its initial entity set.
package baseapp

import (
	"fmt"

	"github.com/nullpointer-dev/bwnet/internal/element"
	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// Element ids, per the base application's wire contract.
const (
	ElemClientAuth       = 0x00
	ElemClientSessionKey = 0x01

	// The initial entity-set stream the base app sends immediately after a
	// client confirms its session key. These occupy the low end of the
	// base-entity method-call id range (§6.6 0x87..0xFE).
	ElemUpdateFrequencyNotification = 0x87
	ElemTickSync                    = 0x88
	ElemCreateBasePlayer            = 0x89
	ElemSelectPlayerEntity          = 0x8A
	ElemResetEntities               = 0x8B
)

// LengthFor resolves a base-app element id to its length kind, for use as a
// bundle.LengthLookup. Ids in the reserved cell/base-entity method-call
// ranges that this toolkit does not itself originate are still recognized as
// variable16 so an unrelated inbound bundle can be skipped over rather than
// aborting the whole decode.
func LengthFor(id byte) (element.Length, bool) {
	switch {
	case id == ElemClientAuth:
		return element.NewFixed(7), true
	case id == ElemClientSessionKey:
		return element.NewFixed(4), true
	case id >= 0x0F && id < 0xFF:
		return element.Var16, true
	case id == element.ReplyID:
		return element.Var32, true
	}
	return element.Length{}, false
}

// ClientAuth is the decoded body of a ClientAuth element: the login key the
// client was handed by the login app, a retry counter, and two reserved
// bytes.
type ClientAuth struct {
	LoginKey uint32
	Attempt  uint8
	Unknown  uint16
}

// DecodeClientAuth parses a fixed 7-byte ClientAuth payload.
func DecodeClientAuth(data []byte) (ClientAuth, error) {
	var c ClientAuth
	loginKey, err := ioutil.U32(data, 0)
	if err != nil {
		return c, fmt.Errorf("baseapp: client auth login key: %w", err)
	}
	attempt, err := ioutil.U8(data, 4)
	if err != nil {
		return c, fmt.Errorf("baseapp: client auth attempt: %w", err)
	}
	unknown, err := ioutil.U16(data, 5)
	if err != nil {
		return c, fmt.Errorf("baseapp: client auth unknown field: %w", err)
	}
	c.LoginKey = loginKey
	c.Attempt = attempt
	c.Unknown = unknown
	return c, nil
}

// EncodeClientAuth renders a ClientAuth payload, used by client-side tests.
func EncodeClientAuth(c ClientAuth) []byte {
	buf := make([]byte, 7)
	ioutil.PutU32(buf, 0, c.LoginKey)
	ioutil.PutU8(buf, 4, c.Attempt)
	ioutil.PutU16(buf, 5, c.Unknown)
	return buf
}

// EncodeServerSessionKey renders the 4-byte session key reply to ClientAuth.
func EncodeServerSessionKey(sessionKey uint32) []byte {
	buf := make([]byte, 4)
	ioutil.PutU32(buf, 0, sessionKey)
	return buf
}

// DecodeClientSessionKey parses the fixed 4-byte ClientSessionKey payload.
func DecodeClientSessionKey(data []byte) (uint32, error) {
	return ioutil.U32(data, 0)
}

// EncodeClientSessionKey renders a ClientSessionKey payload, used by
// client-side tests.
func EncodeClientSessionKey(sessionKey uint32) []byte {
	buf := make([]byte, 4)
	ioutil.PutU32(buf, 0, sessionKey)
	return buf
}

// UpdateFrequencyNotification announces the server tick rate, in
// milliseconds per tick.
type UpdateFrequencyNotification struct {
	TickPeriodMillis uint32
}

func EncodeUpdateFrequencyNotification(n UpdateFrequencyNotification) []byte {
	buf := make([]byte, 4)
	ioutil.PutU32(buf, 0, n.TickPeriodMillis)
	return buf
}

// TickSync carries the server's current tick counter, letting the client
// align its local simulation clock.
type TickSync struct {
	Tick uint32
}

func EncodeTickSync(s TickSync) []byte {
	buf := make([]byte, 4)
	ioutil.PutU32(buf, 0, s.Tick)
	return buf
}

// CreateBasePlayer announces the entity id and type name of the player's own
// base entity.
type CreateBasePlayer struct {
	EntityID uint32
	TypeName string
}

func EncodeCreateBasePlayer(p CreateBasePlayer) []byte {
	size := 4 + ioutil.RichLengthSize(uint32(len(p.TypeName))) + len(p.TypeName)
	buf := make([]byte, size)
	ioutil.PutU32(buf, 0, p.EntityID)
	ioutil.PutLengthPrefixedString(buf, 4, p.TypeName)
	return buf
}

// SelectPlayerEntity names which entity id the client should treat as its
// controlled player.
type SelectPlayerEntity struct {
	EntityID uint32
}

func EncodeSelectPlayerEntity(s SelectPlayerEntity) []byte {
	buf := make([]byte, 4)
	ioutil.PutU32(buf, 0, s.EntityID)
	return buf
}

// EncodeResetEntities renders the reset-entities notification, which carries
// no payload: it tells the client to discard any entities it has cached
// from a previous session before the fresh entity stream begins.
func EncodeResetEntities() []byte {
	return nil
}

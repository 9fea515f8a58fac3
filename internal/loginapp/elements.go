// Package loginapp implements the login application's state machine: the
// initial login request, the optional Cuckoo Cycle challenge, and the
// handoff of a login key to the base app.
package loginapp

import (
	"crypto/rsa"
	"fmt"

	"github.com/nullpointer-dev/bwnet/internal/cipher"
	"github.com/nullpointer-dev/bwnet/internal/element"
	ioutil "github.com/nullpointer-dev/bwnet/internal/ioutil"
)

// Element ids, per the login application's wire contract.
const (
	ElemLoginRequest      = 0x00
	ElemPing              = 0x02
	ElemChallengeResponse = 0x03
)

// LengthFor resolves a login-app element id to its length kind, for use as a
// bundle.LengthLookup.
func LengthFor(id byte) (element.Length, bool) {
	switch id {
	case ElemLoginRequest:
		return element.Var16, true
	case ElemPing:
		return element.NewFixed(1), true
	case ElemChallengeResponse:
		return element.Var16, true
	case element.ReplyID:
		return element.Var32, true
	}
	return element.Length{}, false
}

// LoginRequest is the decoded body of a LoginRequest element.
type LoginRequest struct {
	ProtocolVersion uint32
	Username        string
	Password        string
	BlowfishKey     []byte
	Context         string
	Digest          []byte // 16 bytes if present, else nil
	Nonce           uint32
}

// EncodeLoginRequest renders a LoginRequest as it appears on the wire before
// any RSA wrapping: version, username, password, blowfish key, context,
// optional digest and a trailing nonce, all length-prefixed where variable.
func EncodeLoginRequest(r LoginRequest) []byte {
	size := 4 +
		ioutil.RichLengthSize(uint32(len(r.Username))) + len(r.Username) +
		ioutil.RichLengthSize(uint32(len(r.Password))) + len(r.Password) +
		ioutil.RichLengthSize(uint32(len(r.BlowfishKey))) + len(r.BlowfishKey) +
		ioutil.RichLengthSize(uint32(len(r.Context))) + len(r.Context) +
		1 + 4
	if r.Digest != nil {
		size += 16
	}

	buf := make([]byte, size)
	off := 0
	ioutil.PutU32(buf, off, r.ProtocolVersion)
	off += 4

	n, _ := ioutil.PutLengthPrefixedString(buf, off, r.Username)
	off += n
	n, _ = ioutil.PutLengthPrefixedString(buf, off, r.Password)
	off += n
	n, _ = ioutil.PutLengthPrefixedBytes(buf, off, r.BlowfishKey)
	off += n
	n, _ = ioutil.PutLengthPrefixedString(buf, off, r.Context)
	off += n

	if r.Digest != nil {
		buf[off] = 1
		off++
		copy(buf[off:off+16], r.Digest)
		off += 16
	} else {
		buf[off] = 0
		off++
	}

	ioutil.PutU32(buf, off, r.Nonce)
	return buf
}

// DecodeLoginRequest parses the plaintext form of a LoginRequest body.
func DecodeLoginRequest(data []byte) (LoginRequest, error) {
	var r LoginRequest
	off := 0

	v, err := ioutil.U32(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: protocol version: %w", err)
	}
	r.ProtocolVersion = v
	off += 4

	var n int
	r.Username, n, err = ioutil.LengthPrefixedString(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: username: %w", err)
	}
	off += n

	r.Password, n, err = ioutil.LengthPrefixedString(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: password: %w", err)
	}
	off += n

	r.BlowfishKey, n, err = ioutil.LengthPrefixedBytes(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: blowfish key: %w", err)
	}
	off += n
	if len(r.BlowfishKey) < 4 || len(r.BlowfishKey) > 56 {
		return r, fmt.Errorf("loginapp: blowfish key length %d out of range [4,56]", len(r.BlowfishKey))
	}

	r.Context, n, err = ioutil.LengthPrefixedString(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: context: %w", err)
	}
	off += n

	if off >= len(data) {
		return r, fmt.Errorf("loginapp: truncated request before digest flag")
	}
	hasDigest := data[off] != 0
	off++
	if hasDigest {
		if off+16 > len(data) {
			return r, fmt.Errorf("loginapp: truncated digest")
		}
		r.Digest = append([]byte(nil), data[off:off+16]...)
		off += 16
	}

	nonce, err := ioutil.U32(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: nonce: %w", err)
	}
	r.Nonce = nonce
	return r, nil
}

// RSAUnwrapLoginRequest decrypts an RSA-wrapped LoginRequest payload using
// the server's private key.
func RSAUnwrapLoginRequest(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plain, err := cipher.RSADecrypt(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("loginapp: rsa unwrap login request: %w", err)
	}
	return plain, nil
}

// RSAWrapLoginRequest encrypts an already-encoded LoginRequest payload
// against pub, the form a client or relay sends a LoginRequest in when it
// chooses to keep its credentials off the wire in clear.
func RSAWrapLoginRequest(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	cipherText, err := cipher.RSAEncrypt(pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("loginapp: rsa wrap login request: %w", err)
	}
	return cipherText, nil
}

// challengeCuckooCycle is the text identifier for the only challenge kind
// this toolkit issues.
const challengeCuckooCycle = "cuckoo_cycle"

// ChallengeIssued is the payload of a Cuckoo Cycle challenge response.
type ChallengeIssued struct {
	Prefix   string
	MaxNonce uint64
}

// EncodeChallenge renders the challenge type name, prefix string and max
// nonce, each length-prefixed where variable.
func EncodeChallenge(c ChallengeIssued) []byte {
	size := ioutil.RichLengthSize(uint32(len(challengeCuckooCycle))) + len(challengeCuckooCycle) +
		ioutil.RichLengthSize(uint32(len(c.Prefix))) + len(c.Prefix) + 8
	buf := make([]byte, size)
	n, _ := ioutil.PutLengthPrefixedString(buf, 0, challengeCuckooCycle)
	n2, _ := ioutil.PutLengthPrefixedString(buf, n, c.Prefix)
	ioutil.PutU64(buf, n+n2, c.MaxNonce)
	return buf
}

// DecodeChallenge parses an issued challenge's payload, rejecting any
// challenge kind other than Cuckoo Cycle.
func DecodeChallenge(data []byte) (ChallengeIssued, error) {
	var c ChallengeIssued
	kind, off, err := ioutil.LengthPrefixedString(data, 0)
	if err != nil {
		return c, fmt.Errorf("loginapp: challenge kind: %w", err)
	}
	if kind != challengeCuckooCycle {
		return c, fmt.Errorf("loginapp: unsupported challenge kind %q", kind)
	}
	var n int
	c.Prefix, n, err = ioutil.LengthPrefixedString(data, off)
	if err != nil {
		return c, fmt.Errorf("loginapp: challenge prefix: %w", err)
	}
	off += n
	c.MaxNonce, err = ioutil.U64(data, off)
	if err != nil {
		return c, fmt.Errorf("loginapp: challenge max nonce: %w", err)
	}
	return c, nil
}

// Response tags, the leading byte of every LoginResponse. RespTagAck does not
// appear in the upstream wire contract; it is this toolkit's own internal
// acknowledgement for a ChallengeResponse that passed verification but has
// nothing else to report yet (the actual LoginResponse::Success only follows
// the client's next LoginRequest).
const (
	RespTagAck       byte = 0
	RespTagSuccess   byte = 1
	RespTagChallenge byte = 66
)

// Response is a tagged LoginResponse: exactly one of SuccessCipher, Challenge
// or (Tag, ErrorMessage) is meaningful, selected by Tag. SuccessCipher is the
// Blowfish-encrypted, block-padded encoding of a LoginSuccess (see
// app.go's blockPad) — the whole success record is encrypted, not just a
// sub-field, so this layer never sees the plaintext addr/login key.
type Response struct {
	Tag           byte
	SuccessCipher []byte
	Challenge     *ChallengeIssued
	ErrorMessage  string
}

// EncodeResponse renders r per its tag.
func EncodeResponse(r Response) []byte {
	switch r.Tag {
	case RespTagSuccess:
		return append([]byte{RespTagSuccess}, r.SuccessCipher...)
	case RespTagChallenge:
		return append([]byte{RespTagChallenge}, EncodeChallenge(*r.Challenge)...)
	default:
		msg := ioutil.PutLengthPrefixedStringAlloc(r.ErrorMessage)
		return append([]byte{r.Tag}, msg...)
	}
}

// DecodeResponse parses a Response, dispatching on its leading tag byte.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 1 {
		return Response{}, fmt.Errorf("loginapp: empty response payload")
	}
	tag := data[0]
	switch tag {
	case RespTagSuccess:
		return Response{Tag: RespTagSuccess, SuccessCipher: append([]byte(nil), data[1:]...)}, nil
	case RespTagChallenge:
		c, err := DecodeChallenge(data[1:])
		if err != nil {
			return Response{}, err
		}
		return Response{Tag: RespTagChallenge, Challenge: &c}, nil
	default:
		msg, _, _ := ioutil.LengthPrefixedString(data, 1)
		return Response{Tag: tag, ErrorMessage: msg}, nil
	}
}

// ChallengeResponse is the decoded body of a ChallengeResponse element.
type ChallengeResponse struct {
	Key      string
	Solution []uint32
}

// EncodeChallengeResponse renders a ChallengeResponse element payload: a
// length-prefixed key string, a u32 nonce count, then that many u32 nonces.
func EncodeChallengeResponse(r ChallengeResponse) []byte {
	size := ioutil.RichLengthSize(uint32(len(r.Key))) + len(r.Key) + 4 + 4*len(r.Solution)
	buf := make([]byte, size)
	n, _ := ioutil.PutLengthPrefixedString(buf, 0, r.Key)
	ioutil.PutU32(buf, n, uint32(len(r.Solution)))
	off := n + 4
	for _, nonce := range r.Solution {
		ioutil.PutU32(buf, off, nonce)
		off += 4
	}
	return buf
}

// DecodeChallengeResponse parses a length-prefixed key string followed by a
// u32 count and that many u32 nonces.
func DecodeChallengeResponse(data []byte) (ChallengeResponse, error) {
	var r ChallengeResponse
	key, off, err := ioutil.LengthPrefixedString(data, 0)
	if err != nil {
		return r, fmt.Errorf("loginapp: challenge response key: %w", err)
	}
	r.Key = key

	count, err := ioutil.U32(data, off)
	if err != nil {
		return r, fmt.Errorf("loginapp: challenge response count: %w", err)
	}
	off += 4
	r.Solution = make([]uint32, count)
	for i := range r.Solution {
		v, err := ioutil.U32(data, off)
		if err != nil {
			return r, fmt.Errorf("loginapp: challenge response nonce %d: %w", i, err)
		}
		r.Solution[i] = v
		off += 4
	}
	return r, nil
}

// LoginSuccess is the payload of a successful LoginResponse, Blowfish
// encrypted by the caller with the client-supplied key before transmission.
type LoginSuccess struct {
	BaseAppAddr   ioutil.SockAddrV4
	LoginKey      uint32
	ServerMessage string
}

// EncodeLoginSuccess renders the success payload.
func EncodeLoginSuccess(s LoginSuccess) []byte {
	size := 8 + 4 + ioutil.RichLengthSize(uint32(len(s.ServerMessage))) + len(s.ServerMessage)
	buf := make([]byte, size)
	ioutil.PutSockAddrV4(buf, 0, s.BaseAppAddr)
	ioutil.PutU32(buf, 8, s.LoginKey)
	ioutil.PutLengthPrefixedString(buf, 12, s.ServerMessage)
	return buf
}

// DecodeLoginSuccess parses the plaintext form of a LoginSuccess payload,
// i.e. the bytes a client sees after Blowfish-decrypting and unpadding a
// RespTagSuccess response (see app.go's blockPad).
func DecodeLoginSuccess(data []byte) (LoginSuccess, error) {
	var s LoginSuccess
	addr, err := ioutil.ReadSockAddrV4(data, 0)
	if err != nil {
		return s, fmt.Errorf("loginapp: login success addr: %w", err)
	}
	s.BaseAppAddr = addr
	loginKey, err := ioutil.U32(data, 8)
	if err != nil {
		return s, fmt.Errorf("loginapp: login success key: %w", err)
	}
	s.LoginKey = loginKey
	msg, _, err := ioutil.LengthPrefixedString(data, 12)
	if err != nil {
		return s, fmt.Errorf("loginapp: login success message: %w", err)
	}
	s.ServerMessage = msg
	return s, nil
}

// EncryptSuccess renders s and Blowfish-encrypts it with blockPad framing
// under blowfishKey, the form a LoginResponse::Success payload takes on the
// wire.
func EncryptSuccess(blowfishKey []byte, s LoginSuccess) ([]byte, error) {
	bf, err := cipher.NewBlowfish(blowfishKey)
	if err != nil {
		return nil, fmt.Errorf("loginapp: encrypt success: %w", err)
	}
	cipherText, err := blockPad(EncodeLoginSuccess(s))
	if err != nil {
		return nil, fmt.Errorf("loginapp: encrypt success: %w", err)
	}
	if err := bf.Encrypt(cipherText); err != nil {
		return nil, fmt.Errorf("loginapp: encrypt success: %w", err)
	}
	return cipherText, nil
}

// DecryptSuccess reverses EncryptSuccess. A login proxy uses this to inspect
// (and, for the base-app address, rewrite) a LoginSuccess payload before
// re-encrypting it for the client.
func DecryptSuccess(blowfishKey []byte, cipherText []byte) (LoginSuccess, error) {
	var s LoginSuccess
	bf, err := cipher.NewBlowfish(blowfishKey)
	if err != nil {
		return s, fmt.Errorf("loginapp: decrypt success: %w", err)
	}
	plain := append([]byte(nil), cipherText...)
	if err := bf.Decrypt(plain); err != nil {
		return s, fmt.Errorf("loginapp: decrypt success: %w", err)
	}
	n, err := ioutil.U16(plain, 0)
	if err != nil {
		return s, fmt.Errorf("loginapp: decrypt success: %w", err)
	}
	if int(n)+2 > len(plain) {
		return s, fmt.Errorf("loginapp: decrypt success: declared length %d exceeds padded buffer of %d", n, len(plain))
	}
	return DecodeLoginSuccess(plain[2 : 2+int(n)])
}

// Package netsock wraps a UDP socket with optional per-peer Blowfish
// encryption of everything after the 4-byte packet prefix, plus send/recv
// statistics counters.
package netsock

import (
	"errors"
	"fmt"

	"github.com/nullpointer-dev/bwnet/internal/cipher"
)

// encryptionMagic is 0xDEADBEEF stored little-endian, i.e. the byte sequence
// 0xEF 0xBE 0xAD 0xDE immediately preceding the wastage byte.
var encryptionMagic = [4]byte{0xEF, 0xBE, 0xAD, 0xDE}

// ErrBadMagic is returned when decryption does not find the DEADBEEF magic
// just before the trailing wastage byte, or the wastage byte is out of range.
var ErrBadMagic = errors.New("netsock: decrypt magic mismatch")

// EncryptFrame encrypts everything in data after skip bytes (the unencrypted
// prefix) with bf, appending the DEADBEEF-magic trailer and padding so the
// encrypted region is a multiple of the Blowfish block size. Returns the new
// total length.
func EncryptFrame(bf *cipher.Blowfish, data []byte, skip int) (int, error) {
	plainLen := len(data) - skip
	// total encrypted region = plainLen + padding + 4 (magic) + 1 (wastage)
	// must be a multiple of cipher.BlockSize.
	tail := plainLen + 5
	padding := (cipher.BlockSize - tail%cipher.BlockSize) % cipher.BlockSize
	wastage := padding + 1

	total := skip + plainLen + padding + 4 + 1
	if total > cap(data) {
		return 0, fmt.Errorf("netsock: encrypt frame: frame of %d bytes exceeds buffer capacity %d", total, cap(data))
	}
	buf := data[:total]

	pos := skip + plainLen
	clear(buf[pos : pos+padding])
	pos += padding
	copy(buf[pos:pos+4], encryptionMagic[:])
	pos += 4
	buf[pos] = byte(wastage)

	if err := bf.Encrypt(buf[skip:total]); err != nil {
		return 0, fmt.Errorf("netsock: encrypt frame: %w", err)
	}
	return total, nil
}

// DecryptFrame decrypts data[skip:] in place with bf, verifies the DEADBEEF
// magic and strips the trailer, returning the new total length (prefix
// through the original plaintext body).
func DecryptFrame(bf *cipher.Blowfish, data []byte, skip int) (int, error) {
	encLen := len(data) - skip
	if encLen <= 0 || encLen%cipher.BlockSize != 0 {
		return 0, fmt.Errorf("netsock: decrypt frame: encrypted region length %d not a multiple of %d", encLen, cipher.BlockSize)
	}
	if err := bf.Decrypt(data[skip:]); err != nil {
		return 0, fmt.Errorf("netsock: decrypt frame: %w", err)
	}

	wastage := int(data[len(data)-1])
	magicEnd := len(data) - 1
	magicStart := magicEnd - 4
	newLen := len(data) - wastage - 4
	if wastage < 1 || magicStart < skip || newLen < skip {
		return 0, ErrBadMagic
	}
	var got [4]byte
	copy(got[:], data[magicStart:magicEnd])
	if got != encryptionMagic {
		return 0, ErrBadMagic
	}
	return newLen, nil
}

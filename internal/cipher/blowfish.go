// Package cipher provides the block-aligned Blowfish and RSA transforms used
// to encrypt packet bodies and wrap login requests. Neither wraps an
// io.Reader: the Blowfish transform operates on a caller-owned byte slice in
// place, so it composes directly with the packet buffer, while the RSA
// helpers take a byte slice and return a new one.
package cipher

import (
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// BlockSize is the Blowfish ECB block size in bytes.
const BlockSize = 8

// Blowfish wraps a golang.org/x/crypto/blowfish cipher for ECB-mode,
// block-at-a-time use. It enforces no padding of its own; callers decide how
// many whole blocks to encrypt or decrypt.
type Blowfish struct {
	block *blowfish.Cipher
}

// NewBlowfish builds a Blowfish cipher from key, which must be 1..56 bytes.
func NewBlowfish(key []byte) (*Blowfish, error) {
	c, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: new blowfish: %w", err)
	}
	return &Blowfish{block: c}, nil
}

// Encrypt encrypts data in place, one block at a time. len(data) must be a
// multiple of BlockSize.
func (b *Blowfish) Encrypt(data []byte) error {
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("cipher: blowfish encrypt: length %d not a multiple of %d", len(data), BlockSize)
	}
	for i := 0; i < len(data); i += BlockSize {
		b.block.Encrypt(data[i:i+BlockSize], data[i:i+BlockSize])
	}
	return nil
}

// Decrypt decrypts data in place, one block at a time. len(data) must be a
// multiple of BlockSize.
func (b *Blowfish) Decrypt(data []byte) error {
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("cipher: blowfish decrypt: length %d not a multiple of %d", len(data), BlockSize)
	}
	for i := 0; i < len(data); i += BlockSize {
		b.block.Decrypt(data[i:i+BlockSize], data[i:i+BlockSize])
	}
	return nil
}

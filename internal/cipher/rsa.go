package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// RSAEncrypt packs plaintext into chunks of keySize-11 bytes (the PKCS#1 v1.5
// padding overhead) and PKCS#1 v1.5-encrypts each chunk against pub, returning
// the concatenation of the resulting keySize-byte ciphertext blocks. Used to
// wrap the variable-length inner portion of a login request.
func RSAEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	keySize := pub.Size()
	chunkSize := keySize - 11
	if chunkSize <= 0 {
		return nil, fmt.Errorf("cipher: rsa key too small for PKCS#1 v1.5 (size %d)", keySize)
	}

	out := make([]byte, 0, ((len(plaintext)+chunkSize-1)/chunkSize)*keySize)
	for off := 0; off < len(plaintext) || off == 0; off += chunkSize {
		end := min(off+chunkSize, len(plaintext))
		block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext[off:end])
		if err != nil {
			return nil, fmt.Errorf("cipher: rsa encrypt chunk at %d: %w", off, err)
		}
		out = append(out, block...)
		if end == len(plaintext) {
			break
		}
	}
	return out, nil
}

// RSADecrypt reverses RSAEncrypt: ciphertext must be a concatenation of
// keySize-byte blocks, each decrypted and concatenated in order.
func RSADecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	keySize := priv.Size()
	if keySize == 0 || len(ciphertext)%keySize != 0 {
		return nil, fmt.Errorf("cipher: rsa decrypt: ciphertext length %d not a multiple of key size %d", len(ciphertext), keySize)
	}

	out := make([]byte, 0, len(ciphertext))
	for off := 0; off < len(ciphertext); off += keySize {
		block, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext[off:off+keySize])
		if err != nil {
			return nil, fmt.Errorf("cipher: rsa decrypt chunk at %d: %w", off, err)
		}
		out = append(out, block...)
	}
	return out, nil
}

// GenerateRSAKeyPair generates a fresh RSA private key of the given bit size,
// used to mint the per-session keys the login app rotates through.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cipher: generate rsa key: %w", err)
	}
	return key, nil
}

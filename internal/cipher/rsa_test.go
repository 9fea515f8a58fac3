package cipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateRSAKeyPair(1024)
	require.NoError(t, err)

	plaintext := make([]byte, 200)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ciphertext, err := RSAEncrypt(&key.PublicKey, plaintext)
	require.NoError(t, err)

	decrypted, err := RSADecrypt(key, ciphertext)
	require.NoError(t, err)

	assert.Equal(t, plaintext, decrypted)
}

func TestRSAEncryptEmptyPlaintext(t *testing.T) {
	key, err := GenerateRSAKeyPair(1024)
	require.NoError(t, err)

	ciphertext, err := RSAEncrypt(&key.PublicKey, nil)
	require.NoError(t, err)
	assert.Equal(t, key.Size(), len(ciphertext))

	decrypted, err := RSADecrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

package cuckoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxNonceMatchesKnownValue(t *testing.T) {
	// floor(2^20 * 0.9)
	assert.Equal(t, uint32(943718), MaxNonce())
}

func TestVerifyRejectsWrongProofSize(t *testing.T) {
	err := Verify("key", 1000, make([]uint32, 10))
	assert.ErrorIs(t, err, ErrInvalidSolution)
}

func TestVerifyRejectsNonceAboveMax(t *testing.T) {
	nonces := make([]uint32, ProofSize)
	for i := range nonces {
		nonces[i] = uint32(i)
	}
	nonces[0] = 5000
	err := Verify("key", 1000, nonces)
	assert.ErrorIs(t, err, ErrInvalidSolution)
}

func TestVerifyRejectsDuplicateNonce(t *testing.T) {
	nonces := make([]uint32, ProofSize)
	for i := range nonces {
		nonces[i] = uint32(i)
	}
	nonces[1] = nonces[0]
	err := Verify("key", 1000, nonces)
	assert.ErrorIs(t, err, ErrInvalidSolution)
}

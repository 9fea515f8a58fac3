package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTableObserveAndLookup(t *testing.T) {
	kt := NewKeyTable(time.Minute)
	kt.Observe("203.0.113.1:4500", []byte("somekey12345678"), 99)

	key, ok := kt.Lookup("203.0.113.1:4500")
	require.True(t, ok)
	assert.Equal(t, []byte("somekey12345678"), key)
	assert.Equal(t, 1, kt.Count())

	_, ok = kt.Lookup("203.0.113.1:9999")
	assert.False(t, ok)
}

func TestKeyTableLookupExpired(t *testing.T) {
	kt := NewKeyTable(time.Nanosecond)
	kt.Observe("203.0.113.2:4500", []byte("key"), 1)
	time.Sleep(time.Millisecond)

	_, ok := kt.Lookup("203.0.113.2:4500")
	assert.False(t, ok)
}

func TestKeyTableSweepExpired(t *testing.T) {
	kt := NewKeyTable(time.Nanosecond)
	kt.Observe("203.0.113.3:4500", []byte("key"), 1)
	time.Sleep(time.Millisecond)

	kt.SweepExpired()
	assert.Equal(t, 0, kt.Count())
}

func TestKeyTableObserveCopiesKey(t *testing.T) {
	kt := NewKeyTable(time.Minute)
	key := []byte("mutateme12345678")
	kt.Observe("203.0.113.4:4500", key, 1)
	key[0] = 'X'

	stored, ok := kt.Lookup("203.0.113.4:4500")
	require.True(t, ok)
	assert.NotEqual(t, byte('X'), stored[0])
}

// Package cuckoo implements the Cuckoo Cycle proof-of-work challenge used to
// gate login attempts: given a keyed bipartite graph, a solution is a set of
// edges (nonces) forming a single cycle of exactly ProofSize length.
package cuckoo

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dchest/siphash"
)

const (
	// EdgeBits sizes the graph: each partition holds 1<<EdgeBits nodes.
	EdgeBits = 20
	nodeMask = (1 << EdgeBits) - 1
	// ProofSize is the required cycle length.
	ProofSize = 42
	// Easiness is the fraction of the nonce space offered to solvers.
	Easiness = 0.9
)

// MaxNonce computes the nonce ceiling offered with a challenge, per the
// standard cuckoo cycle sizing of floor(2^EdgeBits * Easiness).
func MaxNonce() uint32 {
	return MaxNonceForEasiness(Easiness)
}

// MaxNonceForEasiness is MaxNonce parameterized by a caller-supplied easiness
// fraction, for deployments that tune challenge difficulty via config.
func MaxNonceForEasiness(easiness float64) uint32 {
	return uint32(float64(uint64(1)<<EdgeBits) * easiness)
}

// keys derives the two 64-bit SipHash keys used for edge generation from an
// arbitrary-length challenge key string.
func keys(key string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])
}

// sipnode computes one endpoint of edge nonce n on side uorv (0 or 1),
// following the standard Cuckoo Cycle node-generation scheme: the low bit of
// the returned node tags which partition it belongs to.
func sipnode(k0, k1 uint64, n uint32, uorv uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n)<<1|uorv)
	h := siphash.Hash(k0, k1, buf[:])
	return (h&nodeMask)<<1 | uorv
}

// ErrInvalidSolution is returned by Verify for any structurally or
// graph-theoretically invalid solution.
var ErrInvalidSolution = fmt.Errorf("cuckoo: invalid solution")

// Verify checks that nonces forms a ProofSize-length cycle in the graph
// keyed by key, with every nonce below maxNonce.
func Verify(key string, maxNonce uint32, nonces []uint32) error {
	if len(nonces) != ProofSize {
		return fmt.Errorf("%w: expected %d nonces, got %d", ErrInvalidSolution, ProofSize, len(nonces))
	}
	sorted := append([]uint32(nil), nonces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, n := range sorted {
		if n >= maxNonce {
			return fmt.Errorf("%w: nonce %d >= max_nonce %d", ErrInvalidSolution, n, maxNonce)
		}
		if i > 0 && sorted[i-1] == n {
			return fmt.Errorf("%w: duplicate nonce %d", ErrInvalidSolution, n)
		}
	}

	k0, k1 := keys(key)

	degree := make(map[uint64]int, 2*len(nonces))
	adj := make(map[uint64][]uint64, 2*len(nonces))
	for _, n := range nonces {
		u := sipnode(k0, k1, n, 0)
		v := sipnode(k0, k1, n, 1)
		if u == v {
			return fmt.Errorf("%w: degenerate edge at nonce %d", ErrInvalidSolution, n)
		}
		degree[u]++
		degree[v]++
		adj[u] = append(adj[u], v)
		adj[v] = append(adj[v], u)
	}
	for node, d := range degree {
		if d != 2 {
			return fmt.Errorf("%w: node %d has degree %d, want 2", ErrInvalidSolution, node, d)
		}
	}

	// Walk the cycle starting from any node, never reusing an edge, and
	// confirm it closes after visiting exactly ProofSize edges.
	visitedEdges := make(map[[2]uint64]bool, len(nonces))
	start := sipnode(k0, k1, nonces[0], 0)
	prev := start
	cur := adj[start][0]
	visitedEdges[edgeKey(start, cur)] = true
	steps := 1
	for cur != start {
		next := otherNeighbor(adj[cur], prev)
		ek := edgeKey(cur, next)
		if visitedEdges[ek] {
			return fmt.Errorf("%w: cycle revisits an edge before closing", ErrInvalidSolution)
		}
		visitedEdges[ek] = true
		prev, cur = cur, next
		steps++
		if steps > ProofSize {
			return fmt.Errorf("%w: cycle longer than %d", ErrInvalidSolution, ProofSize)
		}
	}
	if steps != ProofSize {
		return fmt.Errorf("%w: cycle length %d, want %d", ErrInvalidSolution, steps, ProofSize)
	}
	return nil
}

func edgeKey(a, b uint64) [2]uint64 {
	if a < b {
		return [2]uint64{a, b}
	}
	return [2]uint64{b, a}
}

func otherNeighbor(neighbors []uint64, exclude uint64) uint64 {
	if neighbors[0] == exclude && len(neighbors) > 1 {
		return neighbors[1]
	}
	return neighbors[0]
}

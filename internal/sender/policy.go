// Package sender implements the Sender / Link (spec.md §4.7, component
// C7): the single outbound API surface exposed to user callbacks. Per
// spec.md §9's explicit note that ISender/ILink name one concept twice,
// this package resolves the duplication as one Sender interface
// (declared in package stage, implemented here).
package sender

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// PeerWeights maps a peer id within a service group to its relative
// weight (spec.md's Supplemented Features §D.4). Nothing in this module
// installs a weight table, so every peer weighs 1 unless setWeights is
// called.
type PeerWeights map[string]int

// groupSelector picks one peer from a service group per-call.
type groupSelector interface {
	next(peers []string) string
}

// roundRobinSelector cycles through peers via an atomic counter, the
// default policy (spec.md §4.7).
type roundRobinSelector struct {
	counter atomic.Uint64
}

func (r *roundRobinSelector) next(peers []string) string {
	if len(peers) == 0 {
		return ""
	}
	i := r.counter.Add(1) - 1
	return peers[i%uint64(len(peers))]
}

// weightedSelector is a weighted sampler using cumulative-weight search:
// peers with a higher weight in its table are picked proportionally more
// often. setWeights replaces the table wholesale.
type weightedSelector struct {
	mu      sync.Mutex
	weights PeerWeights
	seed    maphash.Seed
	calls   atomic.Uint64
}

func newWeightedSelector() *weightedSelector {
	return &weightedSelector{seed: maphash.MakeSeed()}
}

// setWeights updates the weight table used for subsequent selections.
func (w *weightedSelector) setWeights(weights PeerWeights) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weights = weights
}

// next performs weighted sampling via cumulative-weight search. Peers
// absent from the weight table are treated as weight 1, so a service
// group functions correctly even before any weight report has arrived.
func (w *weightedSelector) next(peers []string) string {
	if len(peers) == 0 {
		return ""
	}

	w.mu.Lock()
	weights := w.weights
	w.mu.Unlock()

	total := 0
	cum := make([]int, len(peers))
	for i, p := range peers {
		wt := 1
		if weights != nil {
			if configured, ok := weights[p]; ok && configured > 0 {
				wt = configured
			}
		}
		total += wt
		cum[i] = total
	}

	if total == 0 {
		return peers[0]
	}

	// Deterministic-looking but call-varying pick: hash the call
	// counter through maphash rather than reaching for math/rand, since
	// this package has no other use for a PRNG and the teacher's stack
	// never pulls one in either.
	var h maphash.Hash
	h.SetSeed(w.seed)
	n := w.calls.Add(1)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	h.Write(buf[:])
	target := int(h.Sum64() % uint64(total))

	for i, c := range cum {
		if target < c {
			return peers[i]
		}
	}
	return peers[len(peers)-1]
}

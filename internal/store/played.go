// Package store tracks which songs were already played in the current
// session, so random selection avoids repeats.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// PlayedSet is a thread-safe set of played track URIs with a Bloom filter
// front for cheap negative checks. The set is bounded: once it reaches the
// configured cap it resets to empty, which keeps growth in check and allows
// replays once the catalog is exhausted.
type PlayedSet struct {
	uris   map[string]struct{}
	bloom  *bloom.BloomFilter
	mutex  sync.RWMutex
	cap    int
	fpRate float64
	resets int
}

// NewPlayedSet creates a played-track set that resets when it reaches cap.
func NewPlayedSet(cap int, bloomFalsePositiveRate float64) *PlayedSet {
	if cap < 1 {
		cap = 1
	}

	return &PlayedSet{
		uris:   make(map[string]struct{}),
		bloom:  bloom.NewWithEstimates(uint(cap), bloomFalsePositiveRate),
		cap:    cap,
		fpRate: bloomFalsePositiveRate,
	}
}

// Has checks whether a track URI was already played this cycle.
func (ps *PlayedSet) Has(uri string) bool {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	if !ps.bloom.TestString(uri) {
		return false
	}

	_, exists := ps.uris[uri]
	return exists
}

// Add records a played track URI. Adding beyond the cap resets the set
// first, so the most recent track is always retained.
func (ps *PlayedSet) Add(uri string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if _, exists := ps.uris[uri]; exists {
		return
	}

	if len(ps.uris) >= ps.cap {
		ps.clear()
		ps.resets++
	}

	ps.uris[uri] = struct{}{}
	ps.bloom.AddString(uri)
}

// Size returns the number of track URIs currently recorded.
func (ps *PlayedSet) Size() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.uris)
}

// Resets returns how many times the set has wrapped around its cap.
func (ps *PlayedSet) Resets() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return ps.resets
}

// Clear empties the set, e.g. on game reset.
func (ps *PlayedSet) Clear() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.clear()
}

func (ps *PlayedSet) clear() {
	ps.uris = make(map[string]struct{})
	ps.bloom = bloom.NewWithEstimates(uint(ps.cap), ps.fpRate)
}

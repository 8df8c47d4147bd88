// Package cache provides the per-category track result cache: entries stay
// fresh for a TTL, stale entries are refetched lazily on access, and
// concurrent callers for the same key collapse onto a single fetch.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"songbattle/internal/core"
)

// maxEntries bounds the number of cached categories. The catalog is small;
// this only guards against unbounded ad-hoc keys.
const maxEntries = 64

// FetchFunc retrieves tracks for a category key from the search capability.
type FetchFunc func(ctx context.Context, key string) ([]core.Track, error)

type entry struct {
	tracks    []core.Track
	fetchedAt time.Time
}

// TrackCache caches search results per category key.
type TrackCache struct {
	ttl    time.Duration
	fetch  FetchFunc
	clock  core.Clock
	logger *zap.Logger

	group   singleflight.Group
	entries *lru.Cache[string, *entry]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a track cache with the given TTL around the fetch function.
func New(ttl time.Duration, fetch FetchFunc, logger *zap.Logger) *TrackCache {
	entries, _ := lru.New[string, *entry](maxEntries)

	return &TrackCache{
		ttl:     ttl,
		fetch:   fetch,
		clock:   core.SystemClock(),
		logger:  logger,
		entries: entries,
	}
}

// GetTracks returns the cached tracks for the key while the entry is fresh,
// otherwise waits for exactly one fetch shared among concurrent callers. A
// failed refresh falls back to the stale entry when one exists.
func (tc *TrackCache) GetTracks(ctx context.Context, key string) ([]core.Track, error) {
	if e, ok := tc.entries.Get(key); ok && tc.fresh(e) {
		tc.hits.Add(1)
		return copyTracks(e.tracks), nil
	}
	tc.misses.Add(1)

	v, err, _ := tc.group.Do(key, func() (interface{}, error) {
		// A concurrent flight may have refreshed the entry already.
		if e, ok := tc.entries.Get(key); ok && tc.fresh(e) {
			return copyTracks(e.tracks), nil
		}

		tracks, err := tc.fetch(ctx, key)
		if err != nil {
			if e, ok := tc.entries.Get(key); ok {
				tc.logger.Warn("Refresh failed, serving stale entry",
					zap.String("category", key),
					zap.Error(err))
				return copyTracks(e.tracks), nil
			}
			return nil, err
		}

		tc.entries.Add(key, &entry{tracks: tracks, fetchedAt: tc.clock.Now()})
		tc.logger.Debug("Cached category tracks",
			zap.String("category", key),
			zap.Int("count", len(tracks)))

		return copyTracks(tracks), nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]core.Track), nil
}

func (tc *TrackCache) fresh(e *entry) bool {
	return tc.clock.Now().Sub(e.fetchedAt) < tc.ttl
}

// Size returns the number of cached categories.
func (tc *TrackCache) Size() int {
	return tc.entries.Len()
}

// Stats returns cumulative hit and miss counts for monitoring.
func (tc *TrackCache) Stats() (hits, misses uint64) {
	return tc.hits.Load(), tc.misses.Load()
}

func copyTracks(tracks []core.Track) []core.Track {
	out := make([]core.Track, len(tracks))
	copy(out, tracks)
	return out
}

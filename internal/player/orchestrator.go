// Package player resolves "play something" requests into concrete tracks,
// subject to category filters and de-duplication, and issues them through
// the remote session once connected.
package player

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"songbattle/internal/cache"
	"songbattle/internal/core"
	"songbattle/internal/session"
	"songbattle/internal/store"
)

// Package-level random number generator for track selection.
var rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Song selection doesn't require crypto-secure randomness

// ConnectionGate is the slice of the session manager the orchestrator needs:
// readiness and deferred execution behind it.
type ConnectionGate interface {
	IsConnected() bool
	EnqueueWhenConnected(op session.Operation)
}

// Orchestrator owns the published playback state (current track, playing
// flag, last error) and the random-selection pipeline.
type Orchestrator struct {
	gate   ConnectionGate
	client core.SessionClient
	cache  *cache.TrackCache
	played *store.PlayedSet
	logger *zap.Logger

	maxPickAttempts int

	mu           sync.RWMutex
	currentTrack core.Track
	hasTrack     bool
	isPlaying    bool
	lastError    error

	trackHandlers []func(core.Track)
}

// NewOrchestrator wires the orchestrator into the session manager's events.
func NewOrchestrator(
	gate ConnectionGate,
	client core.SessionClient,
	trackCache *cache.TrackCache,
	played *store.PlayedSet,
	cfg *core.PlaybackConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		gate:            gate,
		client:          client,
		cache:           trackCache,
		played:          played,
		logger:          logger,
		maxPickAttempts: cfg.MaxPickAttempts,
	}
}

// OnTrackChange registers a handler invoked whenever the current track
// changes, e.g. the round ledger recording the song in play.
func (o *Orchestrator) OnTrackChange(fn func(core.Track)) {
	o.trackHandlers = append(o.trackHandlers, fn)
}

// HandlePlayerState consumes player-state notifications from the session
// manager and updates the published state. Album art is enriched
// asynchronously; a successful fetch publishes a new Track value.
func (o *Orchestrator) HandlePlayerState(ps core.PlayerState) {
	o.mu.Lock()
	changed := !o.hasTrack || !o.currentTrack.Equal(ps.Track)
	if changed {
		// Keep art fetched for the previous value out of the new one.
		o.currentTrack = ps.Track
	}
	o.hasTrack = true
	o.isPlaying = !ps.Paused
	o.mu.Unlock()

	if !changed {
		return
	}

	o.logger.Debug("Current track changed",
		zap.String("track", ps.Track.Name),
		zap.String("artist", ps.Track.Artist))

	for _, fn := range o.trackHandlers {
		fn(ps.Track)
	}

	go o.enrichAlbumArt(ps.Track)
}

// enrichAlbumArt fetches album art best-effort and republishes the track
// with an inline art URL. Failures are cosmetic and ignored.
func (o *Orchestrator) enrichAlbumArt(track core.Track) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	art, err := o.client.FetchAlbumArt(ctx, track)
	if err != nil || len(art) == 0 {
		return
	}

	enriched := track.WithAlbumArt("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(art))

	o.mu.Lock()
	// Only publish if the track in play hasn't moved on meanwhile.
	if o.hasTrack && o.currentTrack.Equal(track) {
		o.currentTrack = enriched
	}
	o.mu.Unlock()
}

// PlayRandom picks a track from the selected categories (or the generic
// popular pool when none are given), excluding already-played tracks, and
// plays it. After a miss it retries against the popular pool, bounded, then
// surfaces a search failure.
func (o *Orchestrator) PlayRandom(ctx context.Context, categories []core.Category) (core.Track, error) {
	keys := categoryKeys(categories)

	for attempt := 0; attempt < o.maxPickAttempts; attempt++ {
		pool, err := o.collect(ctx, keys)
		if err != nil {
			o.logger.Warn("Track pool fetch failed",
				zap.Strings("categories", keys),
				zap.Int("attempt", attempt),
				zap.Error(err))
			keys = []string{popularKey}
			continue
		}

		candidates := make([]core.Track, 0, len(pool))
		for _, t := range pool {
			if !o.played.Has(t.URI) {
				candidates = append(candidates, t)
			}
		}

		if len(candidates) == 0 {
			o.logger.Info("All candidates already played, trying alternate source",
				zap.Strings("categories", keys),
				zap.Int("poolSize", len(pool)))
			keys = []string{popularKey}
			continue
		}

		track := candidates[rng.Intn(len(candidates))]
		if err := o.Play(ctx, track); err != nil {
			return core.Track{}, err
		}
		return track, nil
	}

	err := core.NewSearchError("no playable tracks found for the selected categories")
	o.setError(err)
	return core.Track{}, err
}

// Play issues a play request for the track. When the session is not yet
// connected the request is queued and executes on the Connected transition.
func (o *Orchestrator) Play(ctx context.Context, track core.Track) error {
	o.played.Add(track.URI)

	if !o.gate.IsConnected() {
		o.logger.Info("Not connected, queueing play request",
			zap.String("track", track.Name))
		o.gate.EnqueueWhenConnected(func() {
			playCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := o.doPlay(playCtx, track); err != nil {
				o.logger.Error("Queued play failed", zap.Error(err))
			}
		})
		return nil
	}

	return o.doPlay(ctx, track)
}

func (o *Orchestrator) doPlay(ctx context.Context, track core.Track) error {
	if err := o.client.Play(ctx, track.URI); err != nil {
		// Benign end-of-stream errors are the session manager's problem;
		// it observes them through the disconnect subscription and
		// reconnects. Everything else surfaces as a playback failure.
		if core.IsBenign(err) {
			o.logger.Info("Transient playback interruption", zap.Error(err))
			return nil
		}

		perr := core.NewPlaybackError(fmt.Sprintf("failed to play %s", track.Name), err)
		o.setError(perr)
		return perr
	}

	o.mu.Lock()
	o.currentTrack = track
	o.hasTrack = true
	o.isPlaying = true
	o.lastError = nil
	o.mu.Unlock()

	o.logger.Info("Playing track",
		zap.String("track", track.Name),
		zap.String("artist", track.Artist))

	return nil
}

// Pause pauses playback.
func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.client.Pause(ctx); err != nil {
		perr := core.NewPlaybackError("failed to pause", err)
		o.setError(perr)
		return perr
	}

	o.mu.Lock()
	o.isPlaying = false
	o.mu.Unlock()
	return nil
}

// Resume resumes playback.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if err := o.client.Resume(ctx); err != nil {
		perr := core.NewPlaybackError("failed to resume", err)
		o.setError(perr)
		return perr
	}

	o.mu.Lock()
	o.isPlaying = true
	o.mu.Unlock()
	return nil
}

// SkipNext skips to the next track.
func (o *Orchestrator) SkipNext(ctx context.Context) error {
	if err := o.client.SkipNext(ctx); err != nil {
		perr := core.NewPlaybackError("failed to skip forward", err)
		o.setError(perr)
		return perr
	}
	return nil
}

// SkipPrevious skips to the previous track.
func (o *Orchestrator) SkipPrevious(ctx context.Context) error {
	if err := o.client.SkipPrevious(ctx); err != nil {
		perr := core.NewPlaybackError("failed to skip back", err)
		o.setError(perr)
		return perr
	}
	return nil
}

// CurrentTrack returns the track in play, if any.
func (o *Orchestrator) CurrentTrack() (core.Track, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentTrack, o.hasTrack
}

// IsPlaying reports whether playback is active.
func (o *Orchestrator) IsPlaying() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isPlaying
}

// LastError returns the most recent surfaced playback or search error.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastError
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	o.lastError = err
	o.mu.Unlock()
}

// collect unions the track pools of the given category keys, deduplicated
// by track ID.
func (o *Orchestrator) collect(ctx context.Context, keys []string) ([]core.Track, error) {
	var pool []core.Track
	seen := make(map[string]struct{})
	var lastErr error

	for _, key := range keys {
		tracks, err := o.cache.GetTracks(ctx, key)
		if err != nil {
			lastErr = err
			o.logger.Warn("Category fetch failed",
				zap.String("category", key),
				zap.Error(err))
			continue
		}

		for _, t := range tracks {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
			pool = append(pool, t)
		}
	}

	if len(pool) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, core.NewSearchError("no tracks found")
	}

	return pool, nil
}

func categoryKeys(categories []core.Category) []string {
	if len(categories) == 0 {
		return []string{popularKey}
	}

	keys := make([]string, 0, len(categories))
	for _, c := range categories {
		keys = append(keys, c.ID)
	}
	return keys
}

// Fetcher adapts the remote search capability into the cache's fetch
// function, resolving category keys through the catalog. The popular key
// maps to an unfiltered search for the generic pool.
func Fetcher(client core.SessionClient, limit int) cache.FetchFunc {
	return func(ctx context.Context, key string) ([]core.Track, error) {
		filter := core.SearchFilter{Limit: limit}

		if key != popularKey {
			category, ok := CategoryByID(key)
			if !ok {
				return nil, core.NewSearchError(fmt.Sprintf("unknown category: %s", key))
			}

			var err error
			filter, err = FilterForCategory(category)
			if err != nil {
				return nil, err
			}
			filter.Limit = limit
		}

		return client.Search(ctx, filter)
	}
}

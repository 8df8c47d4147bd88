package core

import (
	"context"
	"time"
)

// Track is an immutable value describing a playable song. Equality is by ID;
// enrichment (album art) produces a new value via WithAlbumArt.
type Track struct {
	ID          string
	Name        string
	Artist      string
	URI         string
	PreviewURL  string
	AlbumArtURL string
}

// Equal reports whether two tracks refer to the same song.
func (t Track) Equal(other Track) bool {
	return t.ID == other.ID
}

// WithAlbumArt returns a copy of the track with the album art location set.
func (t Track) WithAlbumArt(url string) Track {
	t.AlbumArtURL = url
	return t
}

// PlayerState is a snapshot of the remote player delivered through the
// player-state subscription.
type PlayerState struct {
	Track  Track
	Paused bool
}

// Scope is an authorization scope requested from the remote peer.
type Scope string

const (
	ScopeStreaming            Scope = "streaming"
	ScopeModifyPlaybackState  Scope = "user-modify-playback-state"
	ScopeReadPlaybackState    Scope = "user-read-playback-state"
	ScopeReadCurrentlyPlaying Scope = "user-read-currently-playing"
)

// DefaultScopes are the scopes the session manager requests when
// authorizing: remote playback control plus playback state reads.
func DefaultScopes() []Scope {
	return []Scope{
		ScopeStreaming,
		ScopeModifyPlaybackState,
		ScopeReadPlaybackState,
		ScopeReadCurrentlyPlaying,
	}
}

// CategoryType distinguishes the kinds of track filters a round can use.
type CategoryType int

const (
	// CategoryGenre filters by musical genre.
	CategoryGenre CategoryType = iota
	// CategoryDecade filters by release decade, e.g. "1990s".
	CategoryDecade
	// CategoryDifficulty filters by a popularity band.
	CategoryDifficulty
)

// Category is a genre, decade or difficulty filter applied when selecting a
// track to play.
type Category struct {
	ID   string
	Name string
	Type CategoryType
}

// SearchFilter carries the translated category constraints passed to the
// remote search capability. A zero MaxPopularity means no popularity band.
type SearchFilter struct {
	Genre         string
	YearFrom      int
	YearTo        int
	MinPopularity int
	MaxPopularity int
	Limit         int
}

// HasPopularityBand reports whether the filter constrains track popularity.
func (f SearchFilter) HasPopularityBand() bool {
	return f.MaxPopularity > 0
}

// SessionClient is the capability-typed interface over the external remote
// peer. Implementations must be safe for concurrent use; all methods that
// reach the peer take a context and may suspend.
type SessionClient interface {
	// Authorize runs the authorization handshake and returns an opaque
	// serialized token on success.
	Authorize(ctx context.Context, scopes []Scope) (string, error)
	// Connect establishes the remote-control session using a previously
	// issued token.
	Connect(ctx context.Context, token string) error
	// Disconnect tears down the remote-control session.
	Disconnect()
	Play(ctx context.Context, uri string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SkipNext(ctx context.Context) error
	SkipPrevious(ctx context.Context) error
	// SubscribePlayerState registers a handler for player-state change
	// notifications. Handlers are invoked in arrival order.
	SubscribePlayerState(handler func(PlayerState))
	// SubscribeDisconnects registers a handler for transport disconnect
	// notifications observed while a session is established.
	SubscribeDisconnects(handler func(error))
	// Search returns tracks matching the filter.
	Search(ctx context.Context, filter SearchFilter) ([]Track, error)
	// FetchAlbumArt returns raw image bytes for the track's album art.
	// Best-effort; callers ignore failures.
	FetchAlbumArt(ctx context.Context, track Track) ([]byte, error)
}

// TokenStore persists the last-known access token across process restarts.
// The token is owned by the session manager; stores hold exactly one value.
type TokenStore interface {
	// Load returns the stored token, or ErrNoToken when none is stored.
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// Clock abstracts time for components that schedule deferred work, so tests
// can drive timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a deferred function scheduled through a Clock.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

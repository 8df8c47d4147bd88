// Package spotify implements the remote session client against the Spotify
// Web API: PKCE authorization, session establishment, playback control and
// filtered track search.
package spotify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"songbattle/internal/core"
)

const (
	// DefaultSearchQuery is the query for the generic popular-track pool.
	DefaultSearchQuery = "top hits"
	// DefaultSearchLimit bounds search results when the filter carries no limit.
	DefaultSearchLimit = 50
	// PKCEVerifierLength is the length of the PKCE code verifier in bytes.
	PKCEVerifierLength = 64
	// MaxConsecutivePollErrors is how many transport errors in a row the
	// player-state poller tolerates before reporting a disconnect.
	MaxConsecutivePollErrors = 3
	// ArtFetchTimeout bounds a best-effort album art download.
	ArtFetchTimeout = 10 * time.Second
)

// TokenData is the serialized form of a persisted session token.
type TokenData struct {
	Token *oauth2.Token `json:"token"`
}

type callbackResult struct {
	code string
	err  error
}

// Client implements core.SessionClient against the Spotify Web API.
type Client struct {
	config *core.SpotifyConfig
	logger *zap.Logger
	auth   *spotifyauth.Authenticator

	mu       sync.Mutex
	api      *spotify.Client
	stopPoll chan struct{}

	authMu    sync.Mutex
	authState string
	verifier  string
	callback  chan callbackResult

	stateHandlers []func(core.PlayerState)
	discHandlers  []func(error)
}

// NewClient builds a client for the configured Spotify application.
func NewClient(config *core.SpotifyConfig, logger *zap.Logger) *Client {
	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(config.RedirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopeStreaming,
			spotifyauth.ScopeUserModifyPlaybackState,
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
		),
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)

	return &Client{
		config: config,
		logger: logger,
		auth:   auth,
	}
}

// SubscribePlayerState registers a player-state change handler. Must be
// called before Connect.
func (c *Client) SubscribePlayerState(handler func(core.PlayerState)) {
	c.stateHandlers = append(c.stateHandlers, handler)
}

// SubscribeDisconnects registers a handler for transport failures observed
// while a session is established. Must be called before Connect.
func (c *Client) SubscribeDisconnects(handler func(error)) {
	c.discHandlers = append(c.discHandlers, handler)
}

// Authorize runs the PKCE authorization flow: it publishes the consent URL,
// waits for the redirect callback to deliver the code and exchanges it for a
// token. Returns the serialized token.
func (c *Client) Authorize(ctx context.Context, _ []core.Scope) (string, error) {
	if c.config.ClientID == "" {
		return "", core.NewConfigurationError("spotify client ID is not set")
	}
	if c.config.RedirectURL == "" {
		return "", core.NewConfigurationError("spotify redirect URL is not set")
	}

	verifier, challenge, err := newPKCEPair()
	if err != nil {
		return "", core.NewConnectionError("failed to generate PKCE pair", err)
	}

	state, err := randomState()
	if err != nil {
		return "", core.NewConnectionError("failed to generate state nonce", err)
	}

	c.authMu.Lock()
	c.authState = state
	c.verifier = verifier
	c.callback = make(chan callbackResult, 1)
	callback := c.callback
	c.authMu.Unlock()

	authURL := c.auth.AuthURL(state,
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
	)

	c.logger.Info("Waiting for authorization", zap.String("url", authURL))
	fmt.Printf("Please visit the following URL to authorize SongBattle:\n%s\n", authURL)

	var result callbackResult
	select {
	case result = <-callback:
	case <-ctx.Done():
		return "", core.NewConnectionError("authorization timed out", ctx.Err())
	}

	if result.err != nil {
		return "", core.NewAuthError("authorization was denied", result.err)
	}

	token, err := c.auth.Exchange(ctx, result.code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		return "", core.NewAuthError("failed to exchange authorization code", err)
	}

	data, err := json.Marshal(TokenData{Token: token})
	if err != nil {
		return "", core.NewAuthError("failed to serialize token", err)
	}

	c.logger.Info("Authorization completed")
	return string(data), nil
}

// HandleCallbackURL consumes an authorization redirect. It reports whether
// the URL belonged to a pending authorization; unrelated URLs are ignored.
func (c *Client) HandleCallbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	query := u.Query()

	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.callback == nil {
		return false
	}

	if errMsg := query.Get("error"); errMsg != "" {
		c.deliverCallbackLocked(callbackResult{err: errors.New(errMsg)})
		return true
	}

	code := query.Get("code")
	if code == "" {
		return false
	}
	if query.Get("state") != c.authState {
		c.logger.Warn("Authorization callback with mismatched state")
		c.deliverCallbackLocked(callbackResult{err: errors.New("state mismatch")})
		return true
	}

	c.deliverCallbackLocked(callbackResult{code: code})
	return true
}

func (c *Client) deliverCallbackLocked(result callbackResult) {
	select {
	case c.callback <- result:
	default:
	}
	c.callback = nil
}

// Connect establishes the remote session from a serialized token and
// verifies it against the peer. On success the player-state poller starts.
func (c *Client) Connect(ctx context.Context, token string) error {
	var data TokenData
	if err := json.Unmarshal([]byte(token), &data); err != nil || data.Token == nil {
		return core.NewAuthError("stored token is malformed", err)
	}

	api := spotify.New(c.auth.Client(context.Background(), data.Token))

	user, err := api.CurrentUser(ctx)
	if err != nil {
		return c.Classify(err)
	}

	c.mu.Lock()
	c.stopPollLocked()
	c.api = api
	c.stopPoll = make(chan struct{})
	stop := c.stopPoll
	c.mu.Unlock()

	go c.pollPlayerState(api, stop)

	c.logger.Info("Connected to Spotify", zap.String("user", user.DisplayName))
	return nil
}

// Disconnect tears down the session and stops the player-state poller.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopPollLocked()
	c.api = nil
	c.mu.Unlock()

	c.logger.Info("Disconnected from Spotify")
}

func (c *Client) stopPollLocked() {
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll = nil
	}
}

// Play starts playback of the given track URI.
func (c *Client) Play(ctx context.Context, uri string) error {
	api, err := c.session()
	if err != nil {
		return err
	}

	opts := &spotify.PlayOptions{URIs: []spotify.URI{spotify.URI(uri)}}
	if err := api.PlayOpt(ctx, opts); err != nil {
		return c.Classify(err)
	}
	return nil
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error {
	api, err := c.session()
	if err != nil {
		return err
	}
	if err := api.Pause(ctx); err != nil {
		return c.Classify(err)
	}
	return nil
}

// Resume resumes paused playback.
func (c *Client) Resume(ctx context.Context) error {
	api, err := c.session()
	if err != nil {
		return err
	}
	if err := api.Play(ctx); err != nil {
		return c.Classify(err)
	}
	return nil
}

// SkipNext advances to the next track.
func (c *Client) SkipNext(ctx context.Context) error {
	api, err := c.session()
	if err != nil {
		return err
	}
	if err := api.Next(ctx); err != nil {
		return c.Classify(err)
	}
	return nil
}

// SkipPrevious returns to the previous track.
func (c *Client) SkipPrevious(ctx context.Context) error {
	api, err := c.session()
	if err != nil {
		return err
	}
	if err := api.Previous(ctx); err != nil {
		return c.Classify(err)
	}
	return nil
}

// Search returns tracks matching the filter. Genre and year range become
// query terms; the popularity band is applied to the results, since the
// search endpoint cannot express it.
func (c *Client) Search(ctx context.Context, filter core.SearchFilter) ([]core.Track, error) {
	api, err := c.session()
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	query := buildQuery(filter)
	results, err := api.Search(ctx, query, spotify.SearchTypeTrack, spotify.Limit(limit))
	if err != nil {
		return nil, c.Classify(err)
	}

	if results.Tracks == nil || len(results.Tracks.Tracks) == 0 {
		return nil, core.NewSearchError(fmt.Sprintf("no tracks found for %q", query))
	}

	var tracks []core.Track
	for i := range results.Tracks.Tracks {
		full := &results.Tracks.Tracks[i]
		if filter.HasPopularityBand() {
			popularity := int(full.Popularity)
			if popularity < filter.MinPopularity || popularity > filter.MaxPopularity {
				continue
			}
		}
		tracks = append(tracks, convertTrack(full))
	}

	if len(tracks) == 0 {
		return nil, core.NewSearchError(fmt.Sprintf("no tracks in popularity band for %q", query))
	}

	c.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("results", len(tracks)))

	return tracks, nil
}

// FetchAlbumArt downloads the track's album art. Best-effort; callers
// treat failures as cosmetic.
func (c *Client) FetchAlbumArt(ctx context.Context, track core.Track) ([]byte, error) {
	if track.AlbumArtURL == "" || strings.HasPrefix(track.AlbumArtURL, "data:") {
		return nil, fmt.Errorf("no album art location for track %s", track.ID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, ArtFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, track.AlbumArtURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("album art fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// Classify maps raw transport and API errors onto the shared error
// taxonomy. The session manager and the orchestrator both route failures
// through this single policy.
func (c *Client) Classify(err error) error {
	if err == nil {
		return nil
	}

	var typed *core.Error
	if errors.As(err, &typed) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return core.NewAuthError("token refresh rejected", err)
	}

	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return core.NewAuthError("session rejected by peer", err)
		case http.StatusNotFound:
			return core.NewPlaybackError("no active playback device", err)
		default:
			return core.NewConnectionError("remote API error", err)
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return core.NewTransientPlaybackError("end of stream", err)
	}

	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return core.NewTransientPlaybackError("stream interrupted", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.NewConnectionError("network failure", err)
	}

	return core.NewConnectionError("transport failure", err)
}

func (c *Client) session() (*spotify.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api == nil {
		return nil, core.NewConnectionError("not connected", nil)
	}
	return c.api, nil
}

// pollPlayerState watches the remote player and emits state changes in
// arrival order. The Web API has no push channel for playback state, so a
// short poll stands in for the subscription.
func (c *Client) pollPlayerState(api *spotify.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var lastTrackID string
	var lastPlaying bool
	consecutiveErrors := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.PollInterval)
		currently, err := api.PlayerCurrentlyPlaying(ctx)
		cancel()

		if err != nil {
			classified := c.Classify(err)
			if core.IsFatal(classified) || core.IsBenign(classified) {
				c.reportDisconnect(classified)
				return
			}

			consecutiveErrors++
			if consecutiveErrors >= MaxConsecutivePollErrors {
				c.reportDisconnect(classified)
				return
			}
			continue
		}
		consecutiveErrors = 0

		if currently == nil || currently.Item == nil {
			continue
		}

		trackID := string(currently.Item.ID)
		if trackID == lastTrackID && currently.Playing == lastPlaying {
			continue
		}
		lastTrackID = trackID
		lastPlaying = currently.Playing

		state := core.PlayerState{
			Track:  convertTrack(currently.Item),
			Paused: !currently.Playing,
		}
		for _, handler := range c.stateHandlers {
			handler(state)
		}
	}
}

func (c *Client) reportDisconnect(err error) {
	c.logger.Warn("Player state poll lost the session", zap.Error(err))
	for _, handler := range c.discHandlers {
		handler(err)
	}
}

func convertTrack(track *spotify.FullTrack) core.Track {
	var artists []string
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}

	var artURL string
	if len(track.Album.Images) > 0 {
		artURL = track.Album.Images[0].URL
	}

	return core.Track{
		ID:          string(track.ID),
		Name:        track.Name,
		Artist:      strings.Join(artists, ", "),
		URI:         string(track.URI),
		PreviewURL:  track.PreviewURL,
		AlbumArtURL: artURL,
	}
}

func buildQuery(filter core.SearchFilter) string {
	var parts []string
	if filter.Genre != "" {
		parts = append(parts, "genre:"+filter.Genre)
	}
	if filter.YearFrom > 0 && filter.YearTo > 0 {
		parts = append(parts, fmt.Sprintf("year:%d-%d", filter.YearFrom, filter.YearTo))
	}
	if len(parts) == 0 {
		return DefaultSearchQuery
	}
	return strings.Join(parts, " ")
}

func newPKCEPair() (verifier, challenge string, err error) {
	raw := make([]byte, PKCEVerifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}

	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func randomState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

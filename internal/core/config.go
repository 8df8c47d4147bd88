package core

import (
	"time"
)

type Config struct {
	Spotify  SpotifyConfig
	Session  SessionConfig
	Playback PlaybackConfig
	Game     GameConfig
	Server   ServerConfig
	Log      LogConfig
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
	PollInterval time.Duration
}

// SessionConfig parameterizes the connection manager's retry/backoff state
// machine.
type SessionConfig struct {
	MaxRetries         int
	BackoffBase        time.Duration
	MaxBackoff         time.Duration
	MinConnectInterval time.Duration
	ConnectTimeout     time.Duration
}

// Backoff returns the retry policy derived from the session settings.
func (c SessionConfig) Backoff() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: c.MaxRetries,
		Base:       c.BackoffBase,
		Cap:        c.MaxBackoff,
	}
}

type PlaybackConfig struct {
	PlayedTrackCap  int
	CacheTTL        time.Duration
	MaxPickAttempts int
	SearchLimit     int
}

type GameConfig struct {
	MaxRounds int
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL:  "http://localhost:8080/callback",
			TokenPath:    "./songbattle_token.db",
			PollInterval: 2 * time.Second,
		},
		Session: SessionConfig{
			MaxRetries:         3,
			BackoffBase:        time.Second,
			MaxBackoff:         60 * time.Second,
			MinConnectInterval: 2 * time.Second,
			ConnectTimeout:     30 * time.Second,
		},
		Playback: PlaybackConfig{
			PlayedTrackCap:  100,
			CacheTTL:        time.Hour,
			MaxPickAttempts: 3,
			SearchLimit:     50,
		},
		Game: GameConfig{
			MaxRounds: 5,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

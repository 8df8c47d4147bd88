// Package main provides the SongBattle service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"songbattle/internal/cache"
	"songbattle/internal/core"
	"songbattle/internal/game"
	httpserver "songbattle/internal/http"
	"songbattle/internal/player"
	"songbattle/internal/session"
	"songbattle/internal/spotify"
	"songbattle/internal/store"
	"songbattle/internal/token"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "songbattle",
	Short: "SongBattle - name-that-song team quiz over Spotify",
	Long: `SongBattle is a service that runs team music quizzes: it manages the
Spotify session, plays random tracks filtered by genre, decade or difficulty,
and keeps round scores for the competing teams.`,
	RunE: runSongBattle,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "OAuth redirect URL")
	rootCmd.PersistentFlags().String("spotify-token-path", "", "token database path")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("max-rounds", 5, "rounds per game")
	rootCmd.PersistentFlags().Int("max-retries", 3, "connection retry budget")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("SONGBATTLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	if v := viper.GetString("spotify-redirect-url"); v != "" {
		cfg.Spotify.RedirectURL = v
	}
	if v := viper.GetString("spotify-token-path"); v != "" {
		cfg.Spotify.TokenPath = v
	}

	if v := viper.GetInt("max-retries"); v > 0 {
		cfg.Session.MaxRetries = v
	}

	if v := viper.GetInt("max-rounds"); v > 0 {
		cfg.Game.MaxRounds = v
	}

	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("server-port"); v > 0 {
		cfg.Server.Port = v
	}

	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runSongBattle(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting SongBattle",
		zap.String("version", "1.0.0"),
		zap.Int("max_rounds", config.Game.MaxRounds))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	tokens, err := token.NewStore(config.Spotify.TokenPath, logger.Named("token"))
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer tokens.Close()

	spotifyClient := spotify.NewClient(&config.Spotify, logger.Named("spotify"))

	manager := session.NewManager(spotifyClient, tokens, &config.Session, logger.Named("session"))

	played := store.NewPlayedSet(config.Playback.PlayedTrackCap, 0.001)
	trackCache := cache.New(
		config.Playback.CacheTTL,
		player.Fetcher(spotifyClient, config.Playback.SearchLimit),
		logger.Named("cache"),
	)

	orchestrator := player.NewOrchestrator(
		manager,
		spotifyClient,
		trackCache,
		played,
		&config.Playback,
		logger.Named("player"),
	)
	manager.OnPlayerState(orchestrator.HandlePlayerState)

	ledger := game.NewLedger(&config.Game, logger.Named("game"))
	orchestrator.OnTrackChange(ledger.RecordTrack)

	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"))
	httpServer.SetAuthCallback(spotifyClient.HandleCallbackURL)
	orchestrator.OnTrackChange(func(core.Track) { httpServer.RecordPlay() })

	manager.OnConnected(func() {
		httpServer.RecordConnect("success")
		httpServer.SetConnectionState(int(session.StateConnected))
	})
	manager.OnDisconnected(func(reason string) {
		logger.Warn("Session lost", zap.String("reason", reason))
		httpServer.SetConnectionState(int(session.StateDisconnected))
	})
	manager.OnAuthFailed(func(reason string) {
		logger.Warn("Authorization failed, manual re-connect required",
			zap.String("reason", reason))
		httpServer.RecordConnect("auth_failed")
		httpServer.SetConnectionState(int(session.StateDisconnected))
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				hits, misses := trackCache.Stats()
				httpServer.SetCacheStats(hits, misses)
				httpServer.SetPlayedTracks(played.Size())
				httpServer.SetPendingOperations(manager.PendingOperations())
				httpServer.SetConnectionState(int(manager.State()))
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		manager.Disconnect()
		return nil
	})

	manager.Connect()

	logger.Info("SongBattle started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("SongBattle stopped with error", zap.Error(err))
		return err
	}

	logger.Info("SongBattle stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}

	if config.Spotify.RedirectURL == "" {
		return fmt.Errorf("spotify redirect URL is required")
	}

	if config.Game.MaxRounds <= 0 {
		return fmt.Errorf("max rounds must be positive")
	}

	return nil
}

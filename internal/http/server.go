// Package http exposes the service's operational surface: health and
// readiness probes, Prometheus metrics and the authorization redirect
// endpoint.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"songbattle/internal/core"
)

// CallbackFunc consumes an authorization redirect URL and reports whether
// it was recognized.
type CallbackFunc func(rawURL string) bool

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics

	callback CallbackFunc
}

type Metrics struct {
	ConnectionState   prometheus.Gauge
	ConnectsTotal     *prometheus.CounterVec
	PlaysTotal        prometheus.Counter
	RoundsTotal       prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	CacheHits         prometheus.Gauge
	CacheMisses       prometheus.Gauge
	PlayedTracks      prometheus.Gauge
	PendingOperations prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	metrics := &Metrics{
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "songbattle_connection_state",
				Help: "Current session state (0=disconnected, 1=authorizing, 2=connecting, 3=connected)",
			},
		),
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "songbattle_connects_total",
				Help: "Total number of connection attempts",
			},
			[]string{"result"},
		),
		PlaysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "songbattle_plays_total",
				Help: "Total number of tracks played",
			},
		),
		RoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "songbattle_rounds_total",
				Help: "Total number of game rounds started",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "songbattle_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "type"},
		),
		CacheHits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "songbattle_cache_hits",
				Help: "Cumulative track cache hits",
			},
		),
		CacheMisses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "songbattle_cache_misses",
				Help: "Cumulative track cache misses",
			},
		),
		PlayedTracks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "songbattle_played_tracks",
				Help: "Current number of tracks in the played set",
			},
		),
		PendingOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "songbattle_pending_operations",
				Help: "Operations queued awaiting connection",
			},
		),
	}

	registry.MustRegister(
		metrics.ConnectionState,
		metrics.ConnectsTotal,
		metrics.PlaysTotal,
		metrics.RoundsTotal,
		metrics.ErrorsTotal,
		metrics.CacheHits,
		metrics.CacheMisses,
		metrics.PlayedTracks,
		metrics.PendingOperations,
	)

	return metrics
}

// NewServer builds the operational HTTP server. Metrics live in a
// per-server registry so tests can build servers freely.
func NewServer(config *core.ServerConfig, logger *zap.Logger) *Server {
	registry := prometheus.NewRegistry()

	s := &Server{
		config:  config,
		logger:  logger,
		metrics: newMetrics(registry),
	}

	mux := setupRoutes(logger, registry, s.handleCallback)
	s.server = createHTTPServer(config, mux)

	return s
}

// SetAuthCallback installs the handler for authorization redirects landing
// on /callback.
func (s *Server) SetAuthCallback(fn CallbackFunc) {
	s.callback = fn
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.callback == nil || !s.callback(r.URL.String()) {
		http.Error(w, "no authorization in progress", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<body>
    <h1>Authorization complete</h1>
    <p>You can close this window and return to SongBattle.</p>
</body>
</html>`)); err != nil {
		s.logger.Warn("Failed to write callback response", zap.Error(err))
	}
}

func createHTTPServer(config *core.ServerConfig, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func setupRoutes(logger *zap.Logger, registry *prometheus.Registry, callback http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","service":"songbattle"}`)); err != nil {
			logger.Warn("Failed to write healthz response", zap.Error(err))
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ready","service":"songbattle"}`)); err != nil {
			logger.Warn("Failed to write readyz response", zap.Error(err))
		}
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/callback", callback)

	mux.HandleFunc("/", homeHandler(logger))

	return mux
}

func homeHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>SongBattle</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">🎵 SongBattle</h1>
    <p>Name-that-song team quiz over Spotify</p>

    <h2>Endpoints</h2>
    <div class="endpoint">📊 <a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint">💚 <a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint">✅ <a href="/readyz">Ready</a> - Readiness check</div>

    <h2>Status</h2>
    <p>Service is running.</p>
</body>
</html>`)); err != nil {
			logger.Warn("Failed to write home response", zap.Error(err))
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) SetConnectionState(state int) {
	s.metrics.ConnectionState.Set(float64(state))
}

func (s *Server) RecordConnect(result string) {
	s.metrics.ConnectsTotal.WithLabelValues(result).Inc()
}

func (s *Server) RecordPlay() {
	s.metrics.PlaysTotal.Inc()
}

func (s *Server) RecordRound() {
	s.metrics.RoundsTotal.Inc()
}

func (s *Server) RecordError(component, errorType string) {
	s.metrics.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (s *Server) SetCacheStats(hits, misses uint64) {
	s.metrics.CacheHits.Set(float64(hits))
	s.metrics.CacheMisses.Set(float64(misses))
}

func (s *Server) SetPlayedTracks(size int) {
	s.metrics.PlayedTracks.Set(float64(size))
}

func (s *Server) SetPendingOperations(count int) {
	s.metrics.PendingOperations.Set(float64(count))
}

// Package http exposes the resolution engine and catalog over the service API,
// along with health and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"novastream/internal/core"
	"novastream/internal/lockreg"
)

// Engine is the synchronous resolution surface consumed by playback endpoints.
type Engine interface {
	Resolve(ctx context.Context, key string) (*core.StreamInfo, error)
	Stats() core.Stats
}

// Prefetcher receives keys that discovery endpoints expect to be played soon.
type Prefetcher interface {
	Submit(keys []string, priority core.Priority)
}

// PopularityRecorder notes resolve demand for startup queue warming.
type PopularityRecorder interface {
	Record(key string)
}

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics

	engine   Engine
	catalog  core.Catalog
	prefetch Prefetcher
	popular  PopularityRecorder
}

type Metrics struct {
	ResolvesTotal    *prometheus.CounterVec
	PrefetchesTotal  *prometheus.CounterVec
	CatalogTotal     *prometheus.CounterVec
	ResolveDuration  prometheus.Histogram
	SuccessCacheSize prometheus.Gauge
	FailureCacheSize prometheus.Gauge
	InFlight         prometheus.Gauge
	QueueDepth       prometheus.Gauge
	HitRate          prometheus.Gauge
}

// newMetrics registers on a fresh registry so multiple servers (tests) never
// collide on the global one.
func newMetrics() (*Metrics, *prometheus.Registry) {
	m := &Metrics{
		ResolvesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novastream_resolves_total",
				Help: "Total number of resolve requests by outcome",
			},
			[]string{"outcome"},
		),
		PrefetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novastream_prefetch_submissions_total",
				Help: "Total number of keys submitted for prefetch",
			},
			[]string{"priority"},
		),
		CatalogTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novastream_catalog_requests_total",
				Help: "Total number of catalog requests",
			},
			[]string{"endpoint", "status"},
		),
		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "novastream_resolve_duration_seconds",
				Help:    "Time spent answering resolve requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		SuccessCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novastream_success_cache_size",
			Help: "Current number of cached successful resolutions",
		}),
		FailureCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novastream_failure_cache_size",
			Help: "Current number of cached failure markers",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novastream_extractions_in_flight",
			Help: "Number of extractions currently running",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novastream_prefetch_queue_depth",
			Help: "Number of queued prefetch tasks",
		}),
		HitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "novastream_cache_hit_rate",
			Help: "Fraction of resolve requests answered from cache",
		}),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.ResolvesTotal,
		m.PrefetchesTotal,
		m.CatalogTotal,
		m.ResolveDuration,
		m.SuccessCacheSize,
		m.FailureCacheSize,
		m.InFlight,
		m.QueueDepth,
		m.HitRate,
	)

	return m, registry
}

func NewServer(
	config *core.ServerConfig,
	engine Engine,
	catalog core.Catalog,
	prefetch Prefetcher,
	popular PopularityRecorder,
	logger *zap.Logger,
) *Server {
	metrics, registry := newMetrics()

	s := &Server{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		engine:   engine,
		catalog:  catalog,
		prefetch: prefetch,
		popular:  popular,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.With(httprate.LimitByIP(config.ResolvePerMin, time.Minute)).
			Get("/resolve", s.handleResolve)
		r.Get("/search", s.handleSearch)
		r.Get("/trending", s.handleTrending)
		r.Get("/recommended", s.handleRecommended)
		r.Get("/featured", s.handleFeatured)
		r.Get("/playlist", s.handlePlaylist)
		r.Get("/stats", s.handleStats)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "novastream"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "novastream"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))

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

// UpdateEngineGauges refreshes the gauge metrics from an engine snapshot.
func (s *Server) UpdateEngineGauges(stats core.Stats) {
	s.metrics.SuccessCacheSize.Set(float64(stats.SuccessCacheSize))
	s.metrics.FailureCacheSize.Set(float64(stats.FailureCacheSize))
	s.metrics.InFlight.Set(float64(stats.InFlight))
	s.metrics.QueueDepth.Set(float64(stats.QueueDepth))
	s.metrics.HitRate.Set(stats.HitRate)
}

type resolveResponse struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	TTL       int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("id")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	s.popular.Record(key)

	start := time.Now()
	info, err := s.engine.Resolve(r.Context(), key)
	s.metrics.ResolveDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		status, outcome := resolveErrorStatus(err)
		s.metrics.ResolvesTotal.WithLabelValues(outcome).Inc()
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		writeError(w, status, err.Error())
		return
	}

	s.metrics.ResolvesTotal.WithLabelValues("success").Inc()

	resp := resolveResponse{
		URL:       info.URL,
		Title:     info.Title,
		Thumbnail: info.Thumbnail,
		Duration:  int(info.Duration.Seconds()),
	}
	if !info.ExpiresAt.IsZero() {
		resp.TTL = int(time.Until(info.ExpiresAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveErrorStatus maps engine errors to response codes: everything the
// caller can retry maps to a retryable status.
func resolveErrorStatus(err error) (int, string) {
	if errors.Is(err, lockreg.ErrAcquireTimeout) {
		return http.StatusServiceUnavailable, "lock_timeout"
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; 499 in nginx convention
		return 499, "canceled"
	}

	var exErr *core.ExtractionError
	if errors.As(err, &exErr) {
		switch exErr.Kind {
		case core.FailureNotFound:
			return http.StatusNotFound, "not_found"
		case core.FailureRateLimited:
			return http.StatusServiceUnavailable, "rate_limited"
		case core.FailureTimeout:
			return http.StatusGatewayTimeout, "timeout"
		}
	}

	return http.StatusBadGateway, "unknown"
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}

	tracks, err := s.catalog.Search(r.Context(), query, queryLimit(r, 10))
	if err != nil {
		s.catalogError(w, "search", err)
		return
	}

	s.metrics.CatalogTotal.WithLabelValues("search", "ok").Inc()
	s.submitPrefetch(trackKeys(tracks), core.PriorityMedium)
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.catalog.Trending(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.catalogError(w, "trending", err)
		return
	}

	s.metrics.CatalogTotal.WithLabelValues("trending", "ok").Inc()
	s.submitPrefetch(trackKeys(tracks), core.PriorityLow)
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleRecommended(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("id")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	tracks, err := s.catalog.Recommended(r.Context(), key, queryLimit(r, 10))
	if err != nil {
		s.catalogError(w, "recommended", err)
		return
	}

	s.metrics.CatalogTotal.WithLabelValues("recommended", "ok").Inc()
	// Playback-adjacent: the very next tracks the client is likely to request
	s.submitPrefetch(trackKeys(tracks), core.PriorityHigh)
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleFeatured(w http.ResponseWriter, r *http.Request) {
	playlists, err := s.catalog.Featured(r.Context(), queryLimit(r, 10))
	if err != nil {
		s.catalogError(w, "featured", err)
		return
	}

	s.metrics.CatalogTotal.WithLabelValues("featured", "ok").Inc()
	writeJSON(w, http.StatusOK, playlists)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	playlist, err := s.catalog.Playlist(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		s.catalogError(w, "playlist", err)
		return
	}

	s.metrics.CatalogTotal.WithLabelValues("playlist", "ok").Inc()
	s.submitPrefetch(trackKeys(playlist.Tracks), core.PriorityLow)
	writeJSON(w, http.StatusOK, playlist)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) submitPrefetch(keys []string, priority core.Priority) {
	if len(keys) == 0 {
		return
	}
	s.prefetch.Submit(keys, priority)
	s.metrics.PrefetchesTotal.WithLabelValues(priority.String()).Add(float64(len(keys)))
}

func (s *Server) catalogError(w http.ResponseWriter, endpoint string, err error) {
	s.metrics.CatalogTotal.WithLabelValues(endpoint, "error").Inc()
	s.logger.Error("Catalog request failed", zap.String("endpoint", endpoint), zap.Error(err))
	writeError(w, http.StatusBadGateway, "upstream catalog request failed")
}

func trackKeys(tracks []core.Track) []string {
	keys := make([]string, 0, len(tracks))
	for _, t := range tracks {
		keys = append(keys, t.ID)
	}
	return keys
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

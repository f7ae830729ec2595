// Package server implements the HTTP server that exposes the docdex file
// index: upload, search, file listing, and user management, plus health,
// readiness, and metrics endpoints.
// The server is started by the `docdex serve` CLI command.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awerner/docdex-go/internal/index"
	"github.com/awerner/docdex-go/internal/logging"
	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// liveIndex adapts *index.FileIndex to the fileIndex interface. The adapter
// exists only to narrow IndexingPipeline's concrete return type to the
// uploadPipeline interface the handlers program against.
type liveIndex struct {
	idx *index.FileIndex
}

func (l liveIndex) Pipeline(path, user string) (uploadPipeline, error) {
	return l.idx.IndexingPipeline(path, user)
}

func (l liveIndex) Search(ctx context.Context, query string, topK int, user string) ([]rag.Document, error) {
	return l.idx.Search(ctx, query, topK, user)
}

func (l liveIndex) ListFiles(ctx context.Context, user string) ([]*store.Source, error) {
	return l.idx.ListFiles(ctx, user)
}

// New constructs a Server from the provided index service, background
// scheduler, user store, and config.
func New(idx *index.FileIndex, sched scheduler, users userStore, cfg *Config) (*Server, error) {
	if idx == nil {
		return nil, fmt.Errorf("server: index must not be nil")
	}
	if sched == nil {
		return nil, fmt.Errorf("server: scheduler must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.TempDir == "" {
		cfg.TempDir = idx.TempDir()
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	if cfg.APIKey == "" {
		log.Warn("server: API key not configured, authentication disabled")
	}

	registry := cfg.MetricsRegistry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	gatherer := cfg.MetricsGatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		index:     liveIndex{idx: idx},
		scheduler: sched,
		users:     users,
		cfg:       cfg,
		log:       log,
		pingers:   cfg.Pingers,
		metrics:   newServerMetrics(registry),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	// Protected routes sit behind rate limiting and Bearer auth; health,
	// readiness, and metrics stay open so probes and scrapers work without
	// credentials. Uploads carry a higher rate cost than the read endpoints.
	protect := func(name string, rateCost int, h http.HandlerFunc) http.Handler {
		return rl.middleware(rateCost, authMiddleware(cfg.APIKey, s.instrument(name, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /upload/", protect("upload", uploadRateCost, s.handleUpload))
	mux.Handle("POST /search/", protect("search", 1, s.handleSearch))
	mux.Handle("GET /files/", protect("files", 1, s.handleFiles))
	mux.Handle("POST /users/", protect("users", 1, s.handleCreateUser))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /api/ready", s.instrument("ready", s.handleReady))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.stopRL()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

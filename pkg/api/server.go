// Package api serves the read-only status API of the exporter: job
// progress, finalized shard downloads and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ssargent/featurestream/pkg/logging"
	"github.com/ssargent/featurestream/pkg/metrics"
)

// Server holds the API server state
type Server struct {
	jobs     JobStore
	blobs    BlobReader
	config   ServerConfig
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer creates a new API server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(jobs JobStore, blobs BlobReader, config ServerConfig, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		jobs:     jobs,
		blobs:    blobs,
		config:   config,
		metrics:  m,
		gatherer: gatherer,
		logger:   logging.OrDiscard(logger),
	}
}

// Routes builds the HTTP handler with all routes configured
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Prometheus metrics endpoint (unprotected for scraping)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.metrics.InstrumentHandler("GET", "/api/v1/health", s.handleHealth))

		r.Group(func(r chi.Router) {
			r.Use(apiKeyMiddleware(s.config.APIKey))
			r.Get("/jobs", s.metrics.InstrumentHandler("GET", "/api/v1/jobs", s.handleListJobs))
			r.Get("/jobs/{id}", s.metrics.InstrumentHandler("GET", "/api/v1/jobs/{id}", s.handleGetJob))
			r.Get("/jobs/{id}/shards/{shard}", s.metrics.InstrumentHandler("GET", "/api/v1/jobs/{id}/shards/{shard}", s.handleGetShard))
		})
	})

	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Bind, fmt.Sprint(s.config.Port))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		s.logger.Info("status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down status API")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// requestLogger logs one line per request through slog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Package api exposes the query service, the live feed and the operational
// endpoints over HTTP.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/backfill"
	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/query"
	"market-pipeline/internal/version"
)

// Query is the read side served under /api/v1/zones.
type Query interface {
	Summary(ctx context.Context, zone string) (query.ZoneSummary, error)
	Range(ctx context.Context, req query.RangeRequest) (query.Page, error)
	QualityHistory(ctx context.Context, zone string, windowCount int) ([]domain.QualityMetric, error)
	Status(ctx context.Context) (query.StatusReport, error)
}

// Backfills starts and cancels asynchronous backfills.
type Backfills interface {
	Start(ctx context.Context, req backfill.Request) (domain.IngestionRun, error)
	Cancel(runID string) error
}

// Runs looks up ingestion runs.
type Runs interface {
	Get(ctx context.Context, runID string) (domain.IngestionRun, error)
}

// Sources re-enables disabled sources.
type Sources interface {
	Enable(ctx context.Context, id string) error
	IsDisabled(id string) bool
}

// EnableListener is told when an operator re-enabled a source.
type EnableListener interface {
	SourceEnabled(ctx context.Context, sourceID string)
}

// Deps are the components behind the routes. Nil members disable their routes.
type Deps struct {
	Query     Query
	Live      http.Handler
	Backfills Backfills
	Runs      Runs
	Sources   Sources
	Enabled   EnableListener
}

// Options configures the listener.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RetryAfter is advertised with 503 responses.
	RetryAfter time.Duration
}

// OptionsFromConfig maps API configuration.
func OptionsFromConfig(cfg config.APIConfig) Options {
	return Options{Listen: cfg.Listen, ReadTimeout: cfg.ReadTimeout, ShutdownTimeout: cfg.ShutdownTimeout}
}

// Server is the HTTP surface of the pipeline.
type Server struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	mux    *http.ServeMux
}

// New builds the server and its routes.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", observability.Handler())

	if s.deps.Query != nil {
		s.mux.HandleFunc("GET /api/v1/zones/{zone}/summary", s.handleSummary)
		s.mux.HandleFunc("GET /api/v1/zones/{zone}/prices", s.handlePrices)
		s.mux.HandleFunc("GET /api/v1/zones/{zone}/quality", s.handleQuality)
		s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	}
	if s.deps.Live != nil {
		s.mux.Handle("GET /ws", s.deps.Live)
	}
	if s.deps.Sources != nil {
		s.mux.HandleFunc("POST /api/v1/sources/{id}/enable", s.handleEnableSource)
	}
	if s.deps.Backfills != nil && s.deps.Runs != nil {
		s.mux.HandleFunc("POST /api/v1/backfills", s.handleStartBackfill)
		s.mux.HandleFunc("GET /api/v1/backfills/{id}", s.handleGetBackfill)
		s.mux.HandleFunc("DELETE /api/v1/backfills/{id}", s.handleCancelBackfill)
	}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		w.Header().Set("Server", version.String())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(started)
		observability.RecordHTTP(route, rec.status, elapsed)

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

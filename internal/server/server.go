// Package server exposes the image transform pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aleksclark/badgerlink/internal/badge"
	"github.com/aleksclark/badgerlink/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultListen       = "127.0.0.1:8040"
	DefaultMaxBodyBytes = 8 << 20
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

// Sender delivers a command to the badge.
type Sender interface {
	SendPayload(ctx context.Context, p protocol.Payload) badge.Result
}

// Config holds the listener and request limits.
type Config struct {
	Listen       string
	MaxBodyBytes int64
	// PreviewRate limits badge sends per second; zero disables the limit.
	PreviewRate  float64
	PreviewBurst int
	// DebugCommand sets the debug prefix on preview commands.
	DebugCommand bool
}

// Server serves the image transform and preview API.
type Server struct {
	sender  Sender
	limiter *rate.Limiter
	router  chi.Router
	cfg     Config
}

// New builds the HTTP handler. A nil sender disables /api/badge/preview.
func New(cfg Config, sender Sender) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{cfg: cfg, sender: sender}
	if cfg.PreviewRate > 0 {
		burst := cfg.PreviewBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PreviewRate), burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(middleware.RequestSize(cfg.MaxBodyBytes))

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/image", func(r chi.Router) {
		r.Post("/bin", s.handleImageBin)
		r.Post("/png", s.handleImagePNG)
	})
	r.With(s.rateLimit).Post("/api/badge/preview", s.handlePreview)

	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Listen).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		evt := log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			evt = log.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			log.Warn().Str("path", r.URL.Path).Msg("preview rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, errors.New("too many badge updates, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

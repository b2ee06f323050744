// Package statusapi serves a read-only HTTP view of the task store for operators and probes.
package statusapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Options configures the status API.
type Options struct {
	// Metrics is mounted on /metrics when not nil.
	Metrics http.Handler
	// Token, when set, is required as a bearer token on /status and /tasks.
	Token string
	// RateLimit bounds queries per second on /status and /tasks. Zero means unlimited.
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// Server is the HTTP server for the status API.
type Server struct {
	httpServer *http.Server
}

// New creates a new status server.
func New(addr string, reporter Reporter, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewMux(reporter, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// NewMux builds the routes of the status API. Probes and metrics are never guarded.
func NewMux(reporter Reporter, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := NewHandlers(reporter)

	query := func(hf http.HandlerFunc) http.Handler {
		var handler http.Handler = hf
		if opts.RateLimit > 0 {
			handler = RateLimit(opts.RateLimit, opts.RateBurst)(handler)
		}
		if opts.Token != "" {
			handler = RequireToken(opts.Token)(handler)
		}
		return handler
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /status", query(h.Status))
	mux.Handle("GET /tasks/{run}/{proc}", query(h.Task))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return LogRequests(opts.Logger.With("component", "statusapi"))(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

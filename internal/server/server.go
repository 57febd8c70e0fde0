// Package server exposes an engine over HTTP/JSON.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/vectra/internal/engine"
	"github.com/hupe1980/vectra/internal/logging"
)

// DefaultRequestTimeout bounds non-streaming requests.
const DefaultRequestTimeout = 60 * time.Second

// Options configures a Server.
type Options struct {
	Addr   string
	Logger *logging.Logger
	// Metrics serves /metrics when set.
	Metrics        http.Handler
	RequestTimeout time.Duration
	// Version is reported by / and /health.
	Version string
}

// Server is the HTTP boundary of an engine.
type Server struct {
	engine   *engine.Engine
	opts     Options
	logger   *logging.Logger
	router   *chi.Mux
	upgrader websocket.Upgrader
	http     *http.Server
}

// New creates a server for e.
func New(e *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:           "127.0.0.1:8080",
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoopLogger()
	}

	s := &Server{
		engine: e,
		opts:   opts,
		logger: opts.Logger.WithComponent("http"),
		router: chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	// Streams stay open past the request timeout.
	s.router.Get("/stream/events/{id}", s.handleEvents)
	s.router.Get("/stream/ws", s.handleWebSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Post("/query", s.handleQuery)
		r.Post("/vector/search", s.handleSearch)

		r.Route("/stream", func(r chi.Router) {
			r.Post("/subscribe", s.handleSubscribe)
			r.Delete("/subscribe/{id}", s.handleUnsubscribe)
			r.Get("/subscriptions", s.handleSubscriptions)
			r.Get("/topics", s.handleTopics)
		})

		r.Get("/", s.handleRoot)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		if s.opts.Metrics != nil {
			r.Handle("/metrics", s.opts.Metrics)
		}
	})
}

// Router returns the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("http server stopped")
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/logging"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Pinger reports whether the container engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds the optional collaborators of a Server.
type Options struct {
	// Store backs /api/runs. Without it the history routes are not mounted.
	Store   storage.Store
	Metrics *metrics.Metrics
	Engine  Pinger
	Logger  *zap.Logger

	// MaxRunTime cancels runs that outlive it. Zero disables the limit.
	MaxRunTime time.Duration
	// StaticDir serves the client from disk instead of the embedded build.
	StaticDir string
}

// Server is the HTTP and websocket front end of runbox.
type Server struct {
	sessions *session.Manager
	opts     Options
	log      *zap.Logger
	router   chi.Router

	mu      sync.Mutex
	http    *http.Server
	clients map[*client]struct{}
}

// New creates a new Server.
func New(sessions *session.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		sessions: sessions,
		opts:     opts,
		log:      opts.Logger,
		router:   chi.NewRouter(),
		clients:  make(map[*client]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.log))
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/languages", s.handleListLanguages)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}/run", s.handleCancelRun)

		if s.opts.Store != nil {
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		}
	})

	r.Handle("/*", staticHandler(s.opts.StaticDir))
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the given port until Shutdown is called, at which point it
// returns nil.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Info("runbox server listening", zap.String("addr", "http://localhost"+addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every session and destroys
// their sandboxes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	s.mu.Lock()
	srv := s.http
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	// Hijacked websocket connections are not tracked by http.Server.
	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	s.sessions.CloseAll()
	return err
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

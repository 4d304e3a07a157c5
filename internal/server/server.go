// Package server provides the HTTP surface over the session runtime: a
// chi router exposing session CRUD, message push, approval decisions, SSE
// event streaming, and sharing, wired directly to internal/manager,
// internal/persistence, and internal/sharing rather than the session FSM's
// internals.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cowork-dev/cowork/internal/lsp"
	"github.com/cowork-dev/cowork/internal/manager"
	"github.com/cowork-dev/cowork/internal/persistence"
	"github.com/cowork-dev/cowork/internal/sharing"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		Directory:    "",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the HTTP server fronting a Manager.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	manager   *manager.Manager
	persist   *persistence.Store
	sharing   *sharing.Manager
	lspClient *lsp.Client
}

// New creates a new Server instance. lspClient may be nil, in which case
// LSP-backed endpoints report LSP as unavailable rather than panicking.
func New(cfg *Config, mgr *manager.Manager, persist *persistence.Store, shareMgr *sharing.Manager, lspClient *lsp.Client) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:    cfg,
		router:    r,
		manager:   mgr,
		persist:   persist,
		sharing:   shareMgr,
		lspClient: lspClient,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.instanceContext)
}

// instanceContext middleware injects the configured working directory into
// context so handlers that touch the filesystem default to it.
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}
		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

type contextKey string

const contextKeyDirectory contextKey = "directory"

func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}

// Package server hosts the depotwatch HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
	"github.com/3leaps/depotwatch/internal/observability"
	"github.com/3leaps/depotwatch/internal/server/handlers"
	"github.com/3leaps/depotwatch/internal/server/middleware"
)

// Server wraps a chi router and its http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router
	api    *handlers.DepotAPI

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithDepotAPI mounts the /v1 routes.
func WithDepotAPI(api *handlers.DepotAPI) Option {
	return func(s *Server) { s.api = api }
}

// WithTimeouts sets http.Server timeouts. Zero values keep the defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		r.Route("/v1", func(r chi.Router) {
			r.Post("/changes", s.api.PostChange)
			r.Get("/depots", s.api.ListDepots)
			r.Get("/depots/{id}", s.api.GetDepot)
			r.Get("/depots/{id}/history", s.api.GetHistory)
			r.Get("/depots/{id}/files", s.api.GetFiles)
			r.Get("/locks", s.api.GetLocks)
		})
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	observability.CLILogger.Info("Starting HTTP server", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.CLILogger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

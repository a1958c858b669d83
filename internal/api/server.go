// Package api serves the HTTP control API and the live event stream.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config holds server configuration
type Config struct {
	Port int
}

// Dependencies are the services behind the routes. Any may be nil.
type Dependencies struct {
	Jobs    Jobs
	Scanner Scanner
	Groups  Groups
	Stats   Stats
	Status  func(context.Context) Status
	Hub     *Hub
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     Config
	listener   net.Listener
	handler    *Handler
	hub        *Hub
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		handler: NewHandler(deps),
		hub:     deps.Hub,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
}

func (s *Server) setupRoutes() {
	h := s.handler

	s.router.Get("/health", h.Health)

	s.router.Route("/api/v1", func(r chi.Router) {
		// websocket stays outside the timeout middleware
		if s.hub != nil {
			r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
				ServeWs(s.hub, w, r)
			})
		}

		r.Group(func(r chi.Router) {
			// scans and searches are long-running; jobs return at once
			r.Use(middleware.Timeout(5 * time.Minute))

			r.Get("/status", h.Status)
			r.Get("/stats", h.GetStats)

			r.Route("/scans", func(r chi.Router) {
				r.Post("/", h.StartScan)
				r.Get("/", h.ListScans)
				r.Get("/{id}", h.GetScan)
				r.Delete("/{id}", h.StopScan)
				r.Post("/{id}/pause", h.PauseScan)
				r.Post("/{id}/resume", h.ResumeScan)
			})

			r.Post("/search", h.Search)

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", h.ListGroups)
				r.Post("/join", h.JoinGroup)
				r.Post("/leave", h.LeaveGroup)
				r.Get("/{id}/members", h.ListMembers)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s.httpServer.Serve(listener)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BaseURL returns the server's base URL
func (s *Server) BaseURL() string {
	if s.listener != nil {
		return fmt.Sprintf("http://%s", s.listener.Addr().String())
	}
	return fmt.Sprintf("http://localhost:%d", s.config.Port)
}

// Router returns the underlying chi router.
func (s *Server) Router() http.Handler {
	return s.router
}

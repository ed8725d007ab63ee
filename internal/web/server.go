package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/txmanager/internal/config"
	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/metrics"
	"github.com/saltyorg/txmanager/internal/txmanager"
	"github.com/saltyorg/txmanager/internal/web/handlers"
	"github.com/saltyorg/txmanager/internal/web/middleware"
	"github.com/saltyorg/txmanager/internal/web/sse"
)

// Server exposes the introspection API over HTTP
type Server struct {
	manager    *txmanager.Manager
	db         *database.DB
	metrics    *metrics.Registry
	sseBroker  *sse.Broker
	port       int
	bind       string
	allowedNet *net.IPNet
	router     *chi.Mux
	handlers   *handlers.Handlers
}

// NewServer creates a new web server. db and reg may be nil.
func NewServer(manager *txmanager.Manager, db *database.DB, broker *sse.Broker, reg *metrics.Registry, port int, bind string, allowedNet *net.IPNet) *Server {
	if broker == nil {
		broker = sse.NewBroker()
	}
	s := &Server{
		manager:    manager,
		db:         db,
		metrics:    reg,
		sseBroker:  broker,
		port:       port,
		bind:       bind,
		allowedNet: allowedNet,
		router:     chi.NewRouter(),
		handlers:   handlers.New(manager, db),
	}
	s.setupRoutes()
	return s
}

// SSEBroker returns the SSE broker
func (s *Server) SSEBroker() *sse.Broker {
	return s.sseBroker
}

// SetVersionInfo passes build information to the version endpoint
func (s *Server) SetVersionInfo(version, commit, date string) {
	s.handlers.SetVersionInfo(version, commit, date)
}

// Router exposes the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	r.Use(chimiddleware.RequestID)
	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnet(s.allowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}
	r.Use(chimiddleware.Recoverer)

	// SSE endpoint - no timeout (long-lived connections)
	r.Get("/api/events", s.sseBroker.ServeHTTP)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.GetTimeouts().HTTPWrite))

		r.Get("/health", h.Health)
		r.Get("/api/version", h.Version)
		r.Get("/api/pool", h.Pool)
		r.Get("/api/config", h.ManagerConfig)

		r.Route("/api/transactions", func(r chi.Router) {
			r.Get("/", h.ActiveTransactions)
			r.Get("/recent", h.RecentTransactions)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/rollback", h.RollbackTransaction)
		})

		r.Get("/api/history", h.History)
		r.Get("/api/history/stats", h.HistoryStats)

		r.Get("/api/settings", h.Settings)
		r.Put("/api/settings", h.UpdateSetting)
	})
}

// Start starts the web server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	timeouts := config.GetTimeouts()
	server := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: timeouts.HTTPRead,
		// WriteTimeout disabled (0) to allow SSE long-lived connections
		// Chi timeout middleware protects regular requests
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Stop SSE broker first to close all client connections gracefully
		s.sseBroker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

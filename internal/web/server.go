package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/recognition"
	"github.com/kozaktomas/face-recognizer/internal/stream"
	"github.com/kozaktomas/face-recognizer/internal/web/middleware"
	"github.com/rs/zerolog"
)

// maxConcurrentRequests bounds REST requests in flight. Websocket
// connections are long-lived and are not counted.
const maxConcurrentRequests = 64

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	service    *recognition.Service
	streams    *stream.Manager
	keys       *middleware.KeyChecker
	origins    *middleware.Origins
	logger     zerolog.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, svc *recognition.Service, streams *stream.Manager, logger zerolog.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:  cfg,
		router:  r,
		service: svc,
		streams: streams,
		keys:    middleware.NewKeyChecker(cfg.Web.APIKeys, logger),
		origins: middleware.NewOrigins(cfg.Web.AllowedOrigins),
		logger:  logger,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(s.origins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Bool("auth", s.keys.Enabled()).Msg("starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, ends every stream session and waits
// for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down web server")

	// Hijacked websocket connections are not tracked by http.Server; closing
	// the sessions makes their read loops exit once the peers disconnect.
	s.streams.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

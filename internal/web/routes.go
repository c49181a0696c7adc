package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/web/handlers"
	"github.com/kozaktomas/face-recognizer/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.service)
	personsHandler := handlers.NewPersonsHandler(s.service, s.logger)
	recognizeHandler := handlers.NewRecognizeHandler(s.service, s.logger)
	streamHandler := handlers.NewStreamHandler(s.streams, s.origins, handlers.StreamHandlerOptions{
		MaxFrameBytes: s.config.Stream.MaxFrameBytes,
		PongWait:      constants.WSPongWait,
		PingPeriod:    constants.WSPingPeriod,
		WriteWait:     constants.WSWriteWait,
	}, s.logger)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", healthHandler.Get)

		// Websocket clients may pass the key as a query parameter
		r.With(middleware.RequireAPIKeyOrQuery(s.keys)).Get("/stream", streamHandler.Serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(s.keys))
			r.Use(chiMiddleware.Throttle(maxConcurrentRequests))
			r.Use(chiMiddleware.Timeout(5 * time.Minute))

			// Persons
			r.Get("/persons", personsHandler.List)
			r.Post("/persons", personsHandler.Create)
			r.Get("/persons/{id}", personsHandler.Get)
			r.Delete("/persons/{id}", personsHandler.Delete)
			r.Post("/persons/{id}/train", personsHandler.Train)

			// Recognition
			r.Post("/recognize", recognizeHandler.Recognize)
		})
	})
}

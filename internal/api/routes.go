package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// the event stream outlives any request timeout
		if s.deps.Events != nil {
			r.Handle("/events/ws", s.deps.Events)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/me", s.HandleGetCurrentUser)

			// Runs
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.HandleListRuns)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.HandleGetRun)
					r.Get("/summary", s.HandleGetSummary)
					r.Get("/events", s.HandleListEvents)
				})
			})

			// Live network server state
			r.Route("/network", func(r chi.Router) {
				r.Get("/summary", s.HandleNetworkSummary)
				r.Route("/sessions", func(r chi.Router) {
					r.Get("/", s.HandleListSessions)
					r.Route("/{dev_addr}", func(r chi.Router) {
						r.Get("/", s.HandleGetSession)
						r.Post("/downlink", s.HandleSendDownlink)
					})
				})
			})
		})
	})
}

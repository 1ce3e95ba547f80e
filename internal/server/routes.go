package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Use(jsonContentType)
		r.Use(corsMiddleware(s.corsOrigin))

		r.Get("/version", s.handleVersion)
		r.Get("/state", s.handleGetState)
		r.Get("/state/stream", s.handleStateSSE)

		r.Group(func(cr chi.Router) {
			cr.Use(s.rateLimit)
			cr.Post("/stream/start", s.handleStartStream)
			cr.Post("/stream/stop", s.handleStopStream)
			cr.Post("/exercise", s.handleChooseExercise)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"formcoach/internal/streamer"
	"formcoach/internal/version"
)

// Streamer is the part of *streamer.Streamer the HTTP API drives.
type Streamer interface {
	Start(ctx context.Context) error
	Stop()
	ChooseDifferentExercise(onSelect func())
	SetExercise(e streamer.Exercise)
	Snapshot() streamer.Snapshot
	Subscribe() chan streamer.Snapshot
	Unsubscribe(ch chan streamer.Snapshot)
}

type Server struct {
	router         chi.Router
	streamer       Streamer
	corsOrigin     string
	metricsHandler http.Handler
	version        version.Info
	limiter        *rateLimiter
}

func NewServer(st Streamer, opts ...Option) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		streamer: st,
		version:  version.Current(),
		limiter:  newRateLimiter(30, time.Minute),
	}
	for _, o := range opts {
		o(srv)
	}
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

type Option func(*Server)

func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithControlRateLimit caps stream control requests per client address.
func WithControlRateLimit(limit int, window time.Duration) Option {
	return func(s *Server) {
		s.limiter.stop()
		s.limiter = newRateLimiter(limit, window)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.stop()
}

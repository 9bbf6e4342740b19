// internal/handlers/server.go
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/middleware"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second
)

// Server exposes the lobby registry over HTTP and WebSocket.
type Server struct {
	reg      *lobby.Registry
	auth     *auth.Authenticator
	log      *logrus.Entry
	metrics  *metrics.Metrics
	validate *validator.Validate

	guestSessions bool
	pingInterval  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records HTTP and connection metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGuestSessions enables POST /auth/guest, which issues a token for a
// fresh identity. Intended for development deployments.
func WithGuestSessions() Option {
	return func(s *Server) { s.guestSessions = true }
}

// NewServer builds the transport around reg. a verifies inbound tokens.
func NewServer(reg *lobby.Registry, a *auth.Authenticator, log *logrus.Entry, opts ...Option) *Server {
	s := &Server{
		reg:          reg,
		auth:         a,
		log:          log,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		pingInterval: pingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler for the whole API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "lobbies": s.reg.Len()})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identify(s.auth))
		r.Use(middleware.LogMiddleware(s.log))
		r.Use(s.metrics.Middleware)

		if s.guestSessions {
			r.Post("/auth/guest", s.guestSession)
		}

		r.Route("/lobbies", func(r chi.Router) {
			r.Get("/", s.listLobbies)
			r.Post("/", s.createLobby)
			r.Route("/{ref}", func(r chi.Router) {
				r.Get("/", s.getLobby)
				r.Post("/join", s.joinLobby)
				r.Post("/leave", s.leaveLobby)
				r.Post("/ready", s.setReady)
				r.Post("/scores", s.submitScore)
				r.Post("/close", s.closeLobby)
				r.Post("/end", s.endSession)
				r.Get("/leaderboard", s.lobbyLeaderboard)
				r.Get("/events", s.lobbyEvents)
				r.Get("/ws", s.lobbyWS)
			})
		})
		r.Get("/leaderboards/{gameType}", s.globalLeaderboard)
	})
	return r
}

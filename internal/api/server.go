package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/auth"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/events"
	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/network"
	"github.com/lorawan-server/lorawan-sim/internal/storage"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Network is the live view of the network server. *network.Server
// implements it.
type Network interface {
	events.DownlinkEnqueuer
	Sessions() []network.SessionInfo
	Session(addr lorawan.DevAddr) (network.SessionInfo, error)
	Summary() ([]models.DeviceSummary, models.NetworkTotals)
}

// Deps are the optional parts of the API. A nil part disables its routes.
type Deps struct {
	Network Network
	// live event stream, usually an *events.Hub
	Events  http.Handler
	Metrics http.Handler
}

// RESTServer represents the REST API server
type RESTServer struct {
	config *config.Config
	store  storage.Store
	auth   *auth.JWTManager
	deps   Deps
	router chi.Router
	server *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, deps Deps) *RESTServer {
	s := &RESTServer{
		config: cfg,
		store:  store,
		auth:   auth.NewJWTManager(&cfg.JWT),
		deps:   deps,
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	origins := s.config.API.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.deps.Metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.deps.Metrics)
	}

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler, for tests and embedding
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type contextKey string

const claimsKey contextKey = "claims"

// ClaimsFromContext returns the token claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// authMiddleware is the authentication middleware. Browsers cannot set
// headers on a websocket handshake, so a token query parameter is accepted too.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			// Parse Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

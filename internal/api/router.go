package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cgsbridge/internal/auth"
	"cgsbridge/internal/device"
	"cgsbridge/internal/events"
	"cgsbridge/internal/mqtt"
)

// Options are the server settings taken from the bridge config.
type Options struct {
	Version         string
	NoAuth          bool
	DiscoveryWindow time.Duration
}

// Deps are the components the API serves.
type Deps struct {
	Manager       *device.Manager
	Transport     mqtt.Transport
	Authenticator auth.Authenticator
	JWT           *auth.JWTManager
	Events        *events.Store
	Hub           *Hub
	Logger        *zap.Logger
}

// Server represents the API server
type Server struct {
	router   *chi.Mux
	deps     Deps
	opts     Options
	authMw   *auth.Middleware
	wsTokens *auth.WSTokenStore
	limiter  *auth.LoginRateLimiter
	logger   *zap.Logger
}

// NewServer creates the API server. A nil Hub disables the live feed.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = device.DefaultScanWindow
	}

	s := &Server{
		router:   chi.NewRouter(),
		deps:     deps,
		opts:     opts,
		authMw:   auth.NewMiddleware(deps.JWT, opts.NoAuth),
		wsTokens: auth.NewWSTokenStore(),
		limiter:  auth.NewLoginRateLimiter(),
		logger:   deps.Logger.Named("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	authHandler := NewAuthHandler(s.deps.Authenticator, s.deps.JWT, s.wsTokens, s.limiter, s.deps.Events)
	deviceHandler := NewDeviceHandler(s.deps.Manager, s.opts.DiscoveryWindow)
	statusHandler := NewStatusHandler(s.deps.Manager, s.deps.Transport, s.opts.Version)
	eventsHandler := NewEventsHandler(s.deps.Events)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)
	if s.deps.Hub != nil {
		// Authenticated by the one-time token in the query
		r.Get("/api/ws", NewStreamHandler(s.deps.Hub, s.deps.Manager, s.wsTokens, s.opts.NoAuth, s.logger).Connect)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMw.RequireAuth)

		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		r.Get("/api/status", statusHandler.Get)
		r.Get("/api/events", eventsHandler.List)

		r.Get("/api/devices", deviceHandler.List)
		r.Get("/api/devices/{mac}", deviceHandler.Get)
		r.Get("/api/devices/{mac}/settings", deviceHandler.Settings)

		// Mutations
		r.Group(func(r chi.Router) {
			r.Use(s.authMw.RequireAdmin)

			r.Post("/api/devices", deviceHandler.Create)
			r.Delete("/api/devices/{mac}", deviceHandler.Remove)
			r.Patch("/api/devices/{mac}/settings", deviceHandler.UpdateSettings)
			r.Post("/api/devices/{mac}/config", deviceHandler.PublishConfig)
			r.Get("/api/discover", deviceHandler.Discover)
		})
	})
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// WSTokens returns the websocket token store.
func (s *Server) WSTokens() *auth.WSTokenStore {
	return s.wsTokens
}

// RateLimiter returns the login rate limiter so callers can run its cleanup.
func (s *Server) RateLimiter() *auth.LoginRateLimiter {
	return s.limiter
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

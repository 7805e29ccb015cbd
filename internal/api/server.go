package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
)

// FileMessageSender persists a file-attachment chat message and fans it out
// to the room over the realtime hub. Implemented by the chat service.
type FileMessageSender interface {
	SendFileMessage(ctx context.Context, roomID, senderID, filename, fileURL, msgType string) (*models.Message, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	users   database.UserRepository
	rooms   database.RoomRepository
	sender  FileMessageSender
	ws      http.Handler
	metrics http.Handler

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. ws is the
// realtime WebSocket endpoint, mounted at /ws; metrics is the scrape
// endpoint, mounted at /metrics. Either may be nil.
func NewServer(cfg *config.Config, db *database.DB, sender FileMessageSender, ws, metrics http.Handler) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		users:       database.NewUserRepository(db),
		rooms:       database.NewRoomRepository(db),
		sender:      sender,
		ws:          ws,
		metrics:     metrics,
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.cfg.CORSOriginList()))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/health", s.handleHealth)

		// Login and registration carry a stricter per-IP limit.
		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.RateLimit(s.authLimiter)).Post("/register", s.handleRegister)
			r.With(middleware.RateLimit(s.authLimiter)).Post("/login", s.handleLogin)
			r.With(middleware.RequireAuth([]byte(s.cfg.JWTSecret))).Get("/me", s.handleMe)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAuth([]byte(s.cfg.JWTSecret)))
			r.Use(middleware.RequireAdmin)

			r.Get("/users", s.handleListUsers)
			r.Get("/users/pending", s.handleListPendingUsers)
			r.Post("/users/{id}/approve", s.handleApproveUser)
			r.Post("/users/{id}/reject", s.handleRejectUser)
		})

		r.With(middleware.RequireAuth([]byte(s.cfg.JWTSecret))).Post("/upload", s.handleUpload)
	})

	// Chat attachments are public once the random name is known.
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.UploadsDir))))

	// Realtime endpoint. Authentication happens inside the hub via the
	// token query parameter, so no HTTP auth middleware here.
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	// Prometheus scrape endpoint, outside the /api rate limit.
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
)

// registerRequest is the POST /api/auth/register payload.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse is returned on successful register/login. Token is empty for
// accounts still awaiting admin approval.
type authResponse struct {
	User      *models.User `json:"user"`
	Token     string       `json:"token,omitempty"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// handleRegister creates a new account. The very first account becomes an
// active admin; everyone after starts as pending until an admin approves.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if msg := validateUsername(req.Username); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateEmail(req.Email); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validatePassword(req.Password); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	hash, err := database.HashPassword(req.Password)
	if err != nil {
		slog.Error("hashing password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	count, err := s.users.Count(r.Context())
	if err != nil {
		slog.Error("counting users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Status:       models.UserStatusPending,
		Role:         models.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if count == 0 {
		user.Status = models.UserStatusActive
		user.Role = models.RoleAdmin
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username or email already taken")
			return
		}
		slog.Error("creating user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("user registered", "user_id", user.ID, "username", user.Username, "status", user.Status)

	resp := authResponse{User: user}
	if user.Status == models.UserStatusActive {
		token, expiresAt, err := s.issueToken(user)
		if err != nil {
			slog.Error("signing token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Token = token
		resp.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusCreated, resp)
}

// loginRequest is the POST /api/auth/login payload.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin authenticates a user and returns a signed token. Pending and
// rejected accounts are refused with 403 even when the password matches.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		slog.Error("looking up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ok, err := database.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	switch user.Status {
	case models.UserStatusActive:
	case models.UserStatusPending:
		writeError(w, http.StatusForbidden, "account pending admin approval")
		return
	default:
		writeError(w, http.StatusForbidden, "account disabled")
		return
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		slog.Error("signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("user logged in", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token, ExpiresAt: &expiresAt})
}

// handleMe returns the authenticated user's current account record.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	user, err := s.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "account no longer exists")
			return
		}
		slog.Error("looking up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// issueToken signs a JWT for the user with the configured lifetime.
func (s *Server) issueToken(user *models.User) (string, time.Time, error) {
	ttl, err := s.cfg.JWTTTL()
	if err != nil {
		return "", time.Time{}, err
	}
	return middleware.GenerateToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, user.Role, ttl)
}

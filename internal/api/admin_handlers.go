package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
)

// handleListUsers returns all accounts, paginated via limit/offset query
// parameters.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	users, err := s.users.List(r.Context(), limit, offset)
	if err != nil {
		slog.Error("listing users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleListPendingUsers returns accounts awaiting approval.
func (s *Server) handleListPendingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListPending(r.Context())
	if err != nil {
		slog.Error("listing pending users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleApproveUser activates a pending account.
func (s *Server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, models.UserStatusActive)
}

// handleRejectUser marks an account rejected. Rejected users can no longer
// log in; existing tokens expire naturally.
func (s *Server) handleRejectUser(w http.ResponseWriter, r *http.Request) {
	s.setUserStatus(w, r, models.UserStatusRejected)
}

func (s *Server) setUserStatus(w http.ResponseWriter, r *http.Request, status string) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}

	if err := s.users.UpdateStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.Error("updating user status", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	admin := middleware.ClaimsFromContext(r.Context())
	slog.Info("user status changed", "user_id", id, "status", status, "admin", admin.Username)

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// paginationParams extracts limit/offset from query parameters with
// defensive bounds.
func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database/models"
)

// handleUpload accepts a multipart chat attachment, stores it under the
// uploads directory with a generated name, persists a file message in the
// target room and fans it out over the realtime hub.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	roomID := r.FormValue("roomId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "roomId is required")
		return
	}

	ok, err := s.rooms.IsActiveParticipant(r.Context(), roomID, claims.UserID)
	if err != nil {
		slog.Error("checking room membership", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name, err := storedFileName(header.Filename)
	if err != nil {
		slog.Error("generating upload name", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := os.MkdirAll(s.cfg.UploadsDir, 0o755); err != nil {
		slog.Error("creating uploads dir", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	dst, err := os.Create(filepath.Join(s.cfg.UploadsDir, name))
	if err != nil {
		slog.Error("creating upload file", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(dst.Name())
		slog.Error("writing upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	fileURL := "/uploads/" + name
	msg, err := s.sender.SendFileMessage(r.Context(), roomID, claims.UserID,
		header.Filename, fileURL, messageTypeForFile(header.Filename))
	if err != nil {
		slog.Error("persisting file message", "error", err, "room_id", roomID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("file uploaded", "room_id", roomID, "user_id", claims.UserID,
		"name", name, "size", header.Size)
	writeJSON(w, http.StatusCreated, msg)
}

// storedFileName builds the on-disk name for an upload:
// <epoch-millis>-<random>.<ext>. The client-supplied name is never used on
// disk; only its extension survives, sanitised.
func storedFileName(original string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(original))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), hex.EncodeToString(suffix), ext), nil
}

// messageTypeForFile maps a filename extension to a chat message type.
func messageTypeForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return models.MessageImage
	case ".mp3", ".ogg", ".wav", ".m4a":
		return models.MessageAudio
	case ".mp4", ".webm", ".mov":
		return models.MessageVideo
	default:
		return models.MessageFile
	}
}

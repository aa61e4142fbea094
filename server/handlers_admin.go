package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/live-relay/registry"
	"github.com/onnwee/live-relay/telemetry"
	"github.com/onnwee/live-relay/tracker"
)

const maxAdminBody = 64 << 10

type followRequest struct {
	Login     string `json:"login"`
	ChannelID string `json:"channel_id"`
}

type followResponse struct {
	BroadcasterID string `json:"broadcaster_id"`
	Login         string `json:"login"`
	DisplayName   string `json:"display_name"`
	ChannelID     string `json:"channel_id"`
}

func (h *handlers) handleListStreamers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tracker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	entries, err := h.deps.Tracker.List(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamers": entries, "count": len(entries)})
}

func (h *handlers) handleFollow(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tracker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	var req followRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if strings.TrimSpace(req.Login) == "" || req.ChannelID == "" {
		writeError(w, r, http.StatusBadRequest, "login and channel_id are required")
		return
	}

	guildID := chi.URLParam(r, "guildID")
	user, err := h.deps.Tracker.Follow(r.Context(), guildID, req.Login, req.ChannelID)
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, followResponse{
		BroadcasterID: user.ID,
		Login:         user.Login,
		DisplayName:   user.DisplayName,
		ChannelID:     req.ChannelID,
	})
}

func (h *handlers) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tracker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	_, err := h.deps.Tracker.Unfollow(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "login"))
	if err != nil {
		writeTrackerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTrackerError(w http.ResponseWriter, r *http.Request, err error) {
	status := trackerStatus(err)
	if status == http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("tracker operation failed", slog.String("component", "http"), slog.Any("err", err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// trackerStatus maps follow/unfollow failures to HTTP statuses.
func trackerStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidLogin):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrBroadcasterNotFound), errors.Is(err, registry.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyTracked):
		return http.StatusConflict
	case errors.Is(err, registry.ErrCapReached):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *handlers) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "monitor not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Monitor.Stats())
}

// handleBadges serves the cached global badge sets. A cold cache is reported
// as an empty list rather than an error; the monitor fills it.
func (h *handlers) handleBadges(w http.ResponseWriter, r *http.Request) {
	if h.deps.Badges == nil {
		writeError(w, r, http.StatusServiceUnavailable, "badge cache not configured")
		return
	}
	sets, ok, err := h.deps.Badges.Get(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"cached": false, "badges": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cached": true, "badges": sets})
}

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-relay/telemetry"
)

type handlers struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("component", "http"), slog.String("path", r.URL.Path), slog.String("error", msg))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthz is the liveness probe: the database must answer a ping.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz runs the database check followed by every configured check and
// reports the first failure.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]ReadyCheck{{Name: "database", Check: h.deps.DB.PingContext}}, h.deps.Checks...)
	for _, c := range checks {
		if err := c.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DiscordCheck adapts a session's Ready method to a ReadyCheck.
func DiscordCheck(ready func() error) ReadyCheck {
	return ReadyCheck{Name: "discord", Check: func(context.Context) error { return ready() }}
}

// Package health provides the HTTP health endpoint.
//
// The response is a JSON object with "status", "uptime" (whole seconds since
// the handler was created) and "sessions" (live call count).
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// SessionCounter reports the number of live call sessions.
type SessionCounter interface {
	Len() int
}

// Handler serves GET /health. Safe for concurrent use.
type Handler struct {
	start    time.Time
	sessions SessionCounter
}

// New creates a handler counting uptime from now.
func New(sessions SessionCounter) *Handler {
	return &Handler{start: time.Now(), sessions: sessions}
}

type response struct {
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// Health always returns 200: a process that can serve HTTP is alive.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status:   "ok",
		Uptime:   int64(time.Since(h.start) / time.Second),
		Sessions: h.sessions.Len(),
	})
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

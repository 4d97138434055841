package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db      Pinger
	clients func() int
}

// NewHealthHandler builds a HealthHandler. clients may be nil.
func NewHealthHandler(db Pinger, clients func() int) *HealthHandler {
	return &HealthHandler{db: db, clients: clients}
}

// HandleRoot is the plain-text banner at GET /.
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("GangaGuard API is running"))
}

type healthResponse struct {
	Status          string `json:"status"`
	Database        string `json:"database"`
	RealtimeClients *int   `json:"realtimeClients,omitempty"`
}

// HandleHealth reports 200 when the database answers, 503 otherwise.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		resp.Status, resp.Database = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.clients != nil {
		n := h.clients()
		resp.RealtimeClients = &n
	}
	writeJSON(w, status, resp)
}

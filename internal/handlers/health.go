package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/otcheredev/viewer-core/internal/database"
	"github.com/otcheredev/viewer-core/internal/session"
)

const checkTimeout = 2 * time.Second

type HealthHandler struct {
	session   *session.Session
	useDB     bool
	startedAt time.Time
}

// NewHealthHandler creates a new health handler. The database is only checked when useDB is set
func NewHealthHandler(sess *session.Session, useDB bool) *HealthHandler {
	return &HealthHandler{
		session:   sess,
		useDB:     useDB,
		startedAt: time.Now(),
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
}

// Health reports the state of every dependency
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Services:  make(map[string]string),
	}

	for name, err := range h.check(r.Context()) {
		if err != nil {
			response.Services[name] = "unhealthy"
			response.Status = "degraded"
		} else {
			response.Services[name] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Ready reports whether the service can take requests
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Check if service is ready to accept requests
	for _, err := range h.check(r.Context()) {
		if err != nil {
			http.Error(w, "Service not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *HealthHandler) check(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := map[string]error{
		"session": h.session.Ping(ctx),
	}
	if h.useDB {
		results["database"] = database.Ping(ctx)
	}
	return results
}

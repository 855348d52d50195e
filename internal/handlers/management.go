package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/viewer-core/internal/models"
	"github.com/otcheredev/viewer-core/internal/repository"
	"github.com/otcheredev/viewer-core/internal/services"
)

type ManagementHandler struct {
	serverService *services.ServerService
}

// NewManagementHandler creates a new management handler
func NewManagementHandler(serverService *services.ServerService) *ManagementHandler {
	return &ManagementHandler{
		serverService: serverService,
	}
}

// Routes registers the server management endpoints on r
func (h *ManagementHandler) Routes(r chi.Router) {
	r.Post("/servers", h.CreateServer)
	r.Get("/servers", h.GetServers)
	r.Get("/servers/{id}", h.GetServer)
	r.Delete("/servers/{id}", h.DeleteServer)
	r.Post("/servers/{id}/test", h.TestServer)
	r.Post("/servers/test", h.TestConnection)
}

// CreateServer creates a new DICOMweb server configuration
func (h *ManagementHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req models.ServerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	server, err := h.serverService.CreateServer(r.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidServer) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("Failed to create server config")
		http.Error(w, "Failed to create server config", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, server)
}

// GetServers retrieves all server configurations
func (h *ManagementHandler) GetServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.serverService.GetServers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to get server configs")
		http.Error(w, "Failed to get server configs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, servers)
}

// GetServer retrieves a specific server configuration
func (h *ManagementHandler) GetServer(w http.ResponseWriter, r *http.Request) {
	id, ok := serverID(w, r)
	if !ok {
		return
	}

	server, err := h.serverService.GetServer(r.Context(), id)
	if err != nil {
		writeServerError(w, err, "Failed to get server config")
		return
	}

	writeJSON(w, http.StatusOK, server)
}

// DeleteServer deletes a server configuration
func (h *ManagementHandler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := serverID(w, r)
	if !ok {
		return
	}

	if err := h.serverService.DeleteServer(r.Context(), id); err != nil {
		writeServerError(w, err, "Failed to delete server config")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestServer tests the connection of a stored server configuration
func (h *ManagementHandler) TestServer(w http.ResponseWriter, r *http.Request) {
	id, ok := serverID(w, r)
	if !ok {
		return
	}

	status, err := h.serverService.TestServer(r.Context(), id)
	if status == nil {
		writeServerError(w, err, "Failed to test server")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("server_id", id.String()).Msg("Connection test failed")
	}

	// Return 200 but with is_connected: false
	writeJSON(w, http.StatusOK, status)
}

// TestConnection tests a DICOMweb server that is not stored
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status, err := h.serverService.TestConnection(r.Context(), &req)
	if status == nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Connection test failed")
	}

	writeJSON(w, http.StatusOK, status)
}

func serverID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid server ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeServerError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Server config not found", http.StatusNotFound)
		return
	}
	log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

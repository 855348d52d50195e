package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/viewer-core/internal/collection"
	"github.com/otcheredev/viewer-core/internal/models"
	"github.com/otcheredev/viewer-core/internal/services"
)

type ViewerHandler struct {
	viewerService *services.ViewerService
}

// NewViewerHandler creates a new viewer handler
func NewViewerHandler(viewerService *services.ViewerService) *ViewerHandler {
	return &ViewerHandler{
		viewerService: viewerService,
	}
}

// Routes registers the viewer endpoints on r
func (h *ViewerHandler) Routes(r chi.Router) {
	r.Get("/search", h.SearchStudies)

	r.Get("/studies", h.ListStudies)
	r.Post("/studies/{studyUID}", h.LoadStudy)
	r.Delete("/studies/{studyUID}", h.UnloadStudy)
	r.Get("/studies/{studyUID}/display-sets", h.GetDisplaySets)

	r.Get("/metadata/{type}", h.GetMetadata)

	r.Put("/viewports/{viewportID}", h.ActivateViewport)
	r.Put("/viewports/{viewportID}/image", h.SetViewportImage)

	r.Post("/stacks/{displaySetUID}/load", h.LoadStack)
	r.Delete("/stacks/{displaySetUID}", h.ReleaseStack)
	r.Get("/stacks/{displaySetUID}/progress", h.GetProgress)
}

type viewportRequest struct {
	DisplaySetUID string `json:"display_set_uid"`
	Index         int    `json:"index"`
}

type viewportResponse struct {
	ViewportID string `json:"viewport_id"`
	ImageID    string `json:"image_id"`
}

type stackResponse struct {
	DisplaySetUID string `json:"display_set_uid"`
	Kind          string `json:"kind"`
	SessionKey    string `json:"session_key"`
}

// SearchStudies queries the archive with QIDO-RS
func (h *ViewerHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.QueryParams{
		PatientID:        q.Get("PatientID"),
		PatientName:      q.Get("PatientName"),
		StudyDate:        q.Get("StudyDate"),
		AccessionNumber:  q.Get("AccessionNumber"),
		Modality:         q.Get("ModalitiesInStudy"),
		StudyDescription: q.Get("StudyDescription"),
	}
	if limit := q.Get("limit"); limit != "" {
		params.Limit, _ = strconv.Atoi(limit)
	}
	if offset := q.Get("offset"); offset != "" {
		params.Offset, _ = strconv.Atoi(offset)
	}

	studies, err := h.viewerService.SearchStudies(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("Failed to search studies")
		http.Error(w, "Failed to search studies", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, studies)
}

// LoadStudy loads the metadata of a study into the viewer
func (h *ViewerHandler) LoadStudy(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUID")

	study, err := h.viewerService.LoadStudy(r.Context(), studyUID)
	if err != nil {
		log.Error().Err(err).Str("study_uid", studyUID).Msg("Failed to load study")
		http.Error(w, "Failed to load study", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, study)
}

// ListStudies lists the loaded studies. sort takes comma separated
// property:order pairs, e.g. sort=patientName:asc,studyDate:desc
func (h *ViewerHandler) ListStudies(w http.ResponseWriter, r *http.Request) {
	var pairs [][]string
	if sort := r.URL.Query().Get("sort"); sort != "" {
		for _, item := range strings.Split(sort, ",") {
			pairs = append(pairs, strings.SplitN(item, ":", 2))
		}
	}

	studies, err := h.viewerService.Studies(pairs)
	if err != nil {
		if errors.Is(err, collection.ErrInvalidSort) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("Failed to list studies")
		http.Error(w, "Failed to list studies", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, studies)
}

// GetDisplaySets lists the display sets of a loaded study
func (h *ViewerHandler) GetDisplaySets(w http.ResponseWriter, r *http.Request) {
	displaySets, err := h.viewerService.DisplaySets(chi.URLParam(r, "studyUID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, displaySets)
}

// UnloadStudy drops a loaded study
func (h *ViewerHandler) UnloadStudy(w http.ResponseWriter, r *http.Request) {
	if err := h.viewerService.UnloadStudy(chi.URLParam(r, "studyUID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMetadata answers a metadata provider query for one image
func (h *ViewerHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	imageID := r.URL.Query().Get("imageId")
	if imageID == "" {
		http.Error(w, "imageId is required", http.StatusBadRequest)
		return
	}

	value := h.viewerService.Metadata(chi.URLParam(r, "type"), imageID)
	if value == nil {
		http.Error(w, "Metadata not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// ActivateViewport shows a display set in a viewport and activates it
func (h *ViewerHandler) ActivateViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DisplaySetUID == "" {
		http.Error(w, "display_set_uid is required", http.StatusBadRequest)
		return
	}

	viewportID := chi.URLParam(r, "viewportID")
	imageID, err := h.viewerService.ActivateViewport(viewportID, req.DisplaySetUID, req.Index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewportResponse{ViewportID: viewportID, ImageID: imageID})
}

// SetViewportImage scrolls a viewport to an image of its stack
func (h *ViewerHandler) SetViewportImage(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	viewportID := chi.URLParam(r, "viewportID")
	imageID, err := h.viewerService.SetViewportImage(viewportID, req.Index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewportResponse{ViewportID: viewportID, ImageID: imageID})
}

// LoadStack starts loading a display set and tracking its progress
func (h *ViewerHandler) LoadStack(w http.ResponseWriter, r *http.Request) {
	l, err := h.viewerService.LoadStack(chi.URLParam(r, "displaySetUID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stackResponse{
		DisplaySetUID: l.DisplaySetInstanceUID(),
		Kind:          string(l.Kind()),
		SessionKey:    l.SessionKey(),
	})
}

// ReleaseStack stops tracking a display set
func (h *ViewerHandler) ReleaseStack(w http.ResponseWriter, r *http.Request) {
	displaySetUID := chi.URLParam(r, "displaySetUID")
	if err := h.viewerService.ReleaseStack(r.Context(), displaySetUID); err != nil {
		if errors.Is(err, services.ErrDisplaySetNotFound) {
			writeServiceError(w, err)
			return
		}
		// the listener is gone either way
		log.Warn().Err(err).Str("display_set_uid", displaySetUID).Msg("Failed to record stack release")
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProgress returns the last published progress of a display set
func (h *ViewerHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	raw, err := h.viewerService.Progress(r.Context(), chi.URLParam(r, "displaySetUID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrStudyNotFound),
		errors.Is(err, services.ErrDisplaySetNotFound),
		errors.Is(err, services.ErrViewportNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

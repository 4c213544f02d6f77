package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// ProfileHandler handles saved build profiles.
type ProfileHandler struct {
	service *builds.Service
	logger  *slog.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(service *builds.Service, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		logger:  logger,
	}
}

// CreateProfileRequest is the body of a profile creation.
type CreateProfileRequest struct {
	Slug        string             `json:"slug"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Config      models.BuildConfig `json:"config"`
	IsPublic    bool               `json:"is_public"`
}

// CreateProfile handles POST /v1/admin/profiles.
func (h *ProfileHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	profile, err := h.service.CreateProfile(r.Context(), &models.Profile{
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, profile)
}

// GetProfile handles GET /v1/profiles/{profileID}.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.GetProfile(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, profile)
}

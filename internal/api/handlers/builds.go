package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// BuildHandler handles build requests from the configurator.
type BuildHandler struct {
	service *builds.Service
	logger  *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(service *builds.Service, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{
		service: service,
		logger:  logger,
	}
}

// EnsureResponse is returned by the build-creating endpoints.
type EnsureResponse struct {
	Build   *models.Build `json:"build"`
	Existed bool          `json:"existed"`
	Profile string        `json:"profile,omitempty"`
}

// ensureStatus is 202 when this request created and dispatched the build.
func ensureStatus(res *builds.EnsureResult) int {
	if res.Existed {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// Ensure handles POST /v1/builds - returns the build for a configuration,
// creating and dispatching it on first request.
func (h *BuildHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	var cfg models.BuildConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	res, err := h.service.Ensure(r.Context(), cfg)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, ensureStatus(res), EnsureResponse{Build: res.Build, Existed: res.Existed})
}

// Get handles GET /v1/builds/{buildHash}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, err := h.service.GetByHash(r.Context(), chi.URLParam(r, "buildHash"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

// EnsureFromProfile handles POST /v1/profiles/{profileID}/builds.
func (h *BuildHandler) EnsureFromProfile(w http.ResponseWriter, r *http.Request) {
	res, profile, err := h.service.EnsureFromProfile(r.Context(), chi.URLParam(r, "profileID"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, ensureStatus(res), EnsureResponse{Build: res.Build, Existed: res.Existed, Profile: profile.Slug})
}

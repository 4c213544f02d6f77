package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meshenvy/firmware-builder/internal/api/middleware"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AdminHandler serves the operator routes.
type AdminHandler struct {
	service *builds.Service
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(service *builds.Service, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger,
	}
}

// ListBuilds handles GET /v1/admin/builds?status=<s>&limit=<n>.
func (h *AdminHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	list, err := h.service.List(r.Context(), models.BuildStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, list)
}

// RetryBuild handles POST /v1/admin/builds/{buildID}/retry. The response
// is 202 even when the new dispatch failed; the build then reports failure.
func (h *AdminHandler) RetryBuild(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	build, err := h.service.Retry(r.Context(), buildID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	h.logger.Info("operator retried build", "build_id", buildID, "subject", middleware.GetSubject(r.Context()))
	WriteJSON(w, http.StatusAccepted, build)
}

package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/meshenvy/firmware-builder/internal/arch"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/plugins"
	"github.com/meshenvy/firmware-builder/internal/registry"
)

// TargetHandler lists hardware targets.
type TargetHandler struct {
	targets   *registry.Targets
	resolver  *plugins.Resolver
	hierarchy *arch.Hierarchy
	logger    *slog.Logger
}

// NewTargetHandler creates a new target handler.
func NewTargetHandler(targets *registry.Targets, resolver *plugins.Resolver, hierarchy *arch.Hierarchy, logger *slog.Logger) *TargetHandler {
	return &TargetHandler{
		targets:   targets,
		resolver:  resolver,
		hierarchy: hierarchy,
		logger:    logger,
	}
}

// TargetResponse is a hardware target with its derived category.
type TargetResponse struct {
	models.Target
	Category string `json:"category"`
}

// List handles GET /v1/targets?plugins=a,b&category=c. With plugins set,
// only targets compatible with every plugin's closure are returned.
func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	selected := splitList(r.URL.Query().Get("plugins"))
	category := r.URL.Query().Get("category")

	list := h.targets.Filter(func(t models.Target) bool {
		if category != "" && !strings.EqualFold(t.Category(), category) {
			return false
		}
		return h.resolver.Compatible(selected, t.PlatformIOTarget, h.hierarchy.Compatible)
	})

	resp := make([]TargetResponse, 0, len(list))
	for _, t := range list {
		resp = append(resp, TargetResponse{Target: t, Category: t.Category()})
	}
	WriteJSON(w, http.StatusOK, resp)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

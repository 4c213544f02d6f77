package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/meshenvy/firmware-builder/internal/arch"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/plugins"
	"github.com/meshenvy/firmware-builder/internal/registry"
)

// PluginHandler exposes dependency resolution and toggle rules so clients
// hold their plugin selection without reimplementing them.
type PluginHandler struct {
	registry  *registry.PluginRegistry
	resolver  *plugins.Resolver
	hierarchy *arch.Hierarchy
	service   *builds.Service
	logger    *slog.Logger
}

// NewPluginHandler creates a new plugin handler.
func NewPluginHandler(reg *registry.PluginRegistry, resolver *plugins.Resolver, hierarchy *arch.Hierarchy, service *builds.Service, logger *slog.Logger) *PluginHandler {
	return &PluginHandler{
		registry:  reg,
		resolver:  resolver,
		hierarchy: hierarchy,
		service:   service,
		logger:    logger,
	}
}

// ResolveRequest names the explicitly selected plugins.
type ResolveRequest struct {
	Explicit []string `json:"explicit"`
}

// ResolveResponse describes the resolved closure of a selection.
type ResolveResponse struct {
	Closure      []string `json:"closure"`
	Implicit     []string `json:"implicit"`
	ExplicitOnly []string `json:"explicit_only"`
	Unknown      []string `json:"unknown,omitempty"`
}

// Resolve handles POST /v1/plugins/resolve.
func (h *PluginHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	closure := h.resolver.Closure(req.Explicit)
	resp := ResolveResponse{
		Closure:      closure,
		Implicit:     []string{},
		ExplicitOnly: h.resolver.ExplicitOnly(req.Explicit),
	}
	implicit := h.resolver.ImplicitOnly(req.Explicit)
	for _, slug := range closure {
		if implicit[slug] {
			resp.Implicit = append(resp.Implicit, slug)
		}
		if _, ok := h.registry.Get(slug); !ok {
			resp.Unknown = append(resp.Unknown, slug)
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ToggleRequest applies one enable or disable to a client-held selection.
type ToggleRequest struct {
	Selection plugins.Selection `json:"selection"`
	Slug      string            `json:"slug"`
	Enabled   bool              `json:"enabled"`
}

// Toggle handles POST /v1/plugins/toggle. A refused disable is not an
// error; the unchanged selection comes back with a reason.
func (h *PluginHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Slug == "" {
		WriteBadRequest(w, r, "slug is required")
		return
	}
	WriteJSON(w, http.StatusOK, h.resolver.Toggle(req.Selection, req.Slug, req.Enabled))
}

// PluginResponse is a registry entry with its usage counter.
type PluginResponse struct {
	*models.PluginRegistryEntry
	FlashCount int `json:"flash_count"`
}

// Get handles GET /v1/plugins/{slug}.
func (h *PluginHandler) Get(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	entry, ok := h.registry.Get(slug)
	if !ok {
		WriteNotFound(w, r, "plugin not found: "+slug)
		return
	}
	resp := PluginResponse{PluginRegistryEntry: entry}
	stats, err := h.service.PluginStats(r.Context(), slug)
	if err != nil {
		h.logger.Warn("failed to load plugin stats", "plugin", slug, "error", err)
	} else {
		resp.FlashCount = stats.FlashCount
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CompatibilityResponse is the verdict for one plugin on one target.
type CompatibilityResponse struct {
	Slug       string   `json:"slug"`
	Target     string   `json:"target"`
	Compatible bool     `json:"compatible"`
	Ancestors  []string `json:"ancestors"`
	// Blocking lists closure members that reject the target.
	Blocking []string `json:"blocking,omitempty"`
}

// Compatibility handles GET /v1/plugins/{slug}/compatibility?target=<t>.
// The verdict covers the plugin's whole dependency closure.
func (h *PluginHandler) Compatibility(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, ok := h.registry.Get(slug); !ok {
		WriteNotFound(w, r, "plugin not found: "+slug)
		return
	}
	target := r.URL.Query().Get("target")
	if target == "" {
		WriteBadRequest(w, r, "target is required")
		return
	}

	resp := CompatibilityResponse{
		Slug:      slug,
		Target:    target,
		Ancestors: h.hierarchy.Ancestors(target),
	}
	for _, member := range h.resolver.Closure([]string{slug}) {
		entry, ok := h.registry.Get(member)
		if !ok {
			continue
		}
		if !h.hierarchy.Compatible(entry.Includes, entry.Excludes, target) {
			resp.Blocking = append(resp.Blocking, member)
		}
	}
	resp.Compatible = len(resp.Blocking) == 0
	if resp.Ancestors == nil {
		resp.Ancestors = []string{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meshenvy/firmware-builder/internal/artifact"
	"github.com/meshenvy/firmware-builder/internal/builds"
)

// DownloadHandler issues signed artifact URLs.
type DownloadHandler struct {
	service *builds.Service
	signer  *artifact.URLSigner
	product string
	logger  *slog.Logger
}

// NewDownloadHandler creates a new download handler.
func NewDownloadHandler(service *builds.Service, signer *artifact.URLSigner, product string, logger *slog.Logger) *DownloadHandler {
	if product == "" {
		product = artifact.DefaultProduct
	}
	return &DownloadHandler{
		service: service,
		signer:  signer,
		product: product,
		logger:  logger,
	}
}

// DownloadResponse carries a signed URL and the artifact it points at.
type DownloadResponse struct {
	URL       string        `json:"url"`
	ExpiresAt time.Time     `json:"expires_at"`
	Key       string        `json:"key"`
	Filename  string        `json:"filename"`
	Type      artifact.Type `json:"type"`
}

// Get handles GET /v1/builds/{buildHash}/download?type=firmware|source&profile=<slug>.
func (h *DownloadHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := artifact.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	build, err := h.service.GetByHash(r.Context(), chi.URLParam(r, "buildHash"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	profileSlug := r.URL.Query().Get("profile")
	if profileSlug != "" {
		if _, err := h.service.GetProfileBySlug(r.Context(), profileSlug); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
	}

	loc, err := artifact.Locate(build, t, h.product, profileSlug)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	url, exp, err := h.signer.Sign(loc)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	h.logger.Info("issued download url", "build_id", build.ID, "build_hash", build.BuildHash, "key", loc.Key)
	WriteJSON(w, http.StatusOK, DownloadResponse{
		URL:       url,
		ExpiresAt: exp,
		Key:       loc.Key,
		Filename:  loc.Filename,
		Type:      t,
	})
}

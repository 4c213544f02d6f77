package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/meshenvy/firmware-builder/internal/api/errors"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// WebhookHandler receives status callbacks from the compiler workflow.
type WebhookHandler struct {
	service *builds.Service
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *builds.Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger,
	}
}

// runID accepts a run id as a JSON number or a numeric string.
type runID int64

func (id *runID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			return nil
		}
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("run id must be a non-negative integer, got %s", data)
	}
	*id = runID(n)
	return nil
}

// WebhookPayload is the callback body. state/status and github_run_id/run_id
// are aliases; artifactPath is the legacy name of firmware_path.
type WebhookPayload struct {
	BuildID      string `json:"build_id"`
	State        string `json:"state"`
	Status       string `json:"status"`
	GitHubRunID  runID  `json:"github_run_id"`
	RunID        runID  `json:"run_id"`
	FirmwarePath string `json:"firmware_path"`
	SourcePath   string `json:"source_path"`
	ArtifactPath string `json:"artifactPath"`
	ErrorMessage string `json:"error_message"`
}

// Update validates the payload and converts it to a lifecycle event.
func (p WebhookPayload) Update() (models.StatusUpdate, apierrors.ValidationErrors) {
	var errs apierrors.ValidationErrors
	if strings.TrimSpace(p.BuildID) == "" {
		errs.Add("build_id", "build_id is required")
	}

	status := strings.TrimSpace(p.State)
	if status == "" {
		status = strings.TrimSpace(p.Status)
	}
	switch {
	case status == "":
		errs.Add("state", "state is required")
	case len(status) > models.MaxStatusLength:
		errs.Add("state", fmt.Sprintf("state must be at most %d characters", models.MaxStatusLength))
	}

	run := int64(p.GitHubRunID)
	if run == 0 {
		run = int64(p.RunID)
	}
	firmware := p.FirmwarePath
	if firmware == "" {
		firmware = p.ArtifactPath
	}

	return models.StatusUpdate{
		Status:       models.BuildStatus(status),
		RunID:        run,
		FirmwarePath: firmware,
		SourcePath:   p.SourcePath,
		ErrorMessage: p.ErrorMessage,
	}, errs
}

// WebhookResponse acknowledges a callback.
type WebhookResponse struct {
	BuildID string             `json:"build_id"`
	Status  models.BuildStatus `json:"status"`
	Applied bool               `json:"applied"`
}

// Handle handles POST /github-webhook. Callbacks from a superseded run are
// acknowledged without effect so the sender does not retry them.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	update, errs := payload.Update()
	if errs.HasErrors() {
		WriteValidation(w, r, errs)
		return
	}

	buildID := strings.TrimSpace(payload.BuildID)
	build, applied, err := h.service.ApplyStatus(r.Context(), buildID, update)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, WebhookResponse{BuildID: build.ID, Status: build.Status, Applied: applied})
}

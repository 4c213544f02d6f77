package models

import (
	"slices"
	"time"
)

// BuildStatus represents the current state of a firmware build.
// Statuses other than the ones below are vendor-defined intermediate
// states reported by the compiler and are stored as-is.
type BuildStatus string

const (
	BuildStatusQueued  BuildStatus = "queued"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailure BuildStatus = "failure"
)

// MaxStatusLength bounds vendor-defined status strings.
const MaxStatusLength = 64

// IsTerminal reports whether no further transition is expected for the status.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSuccess || s == BuildStatusFailure
}

// Valid reports whether the status can be stored.
func (s BuildStatus) Valid() bool {
	return s != "" && len(s) <= MaxStatusLength
}

// BuildConfig is the user-editable description of a firmware build.
type BuildConfig struct {
	Version string `json:"version"`
	Target  string `json:"target"`
	// ModulesExcluded lists core modules; a module is excluded iff its value is true.
	ModulesExcluded map[string]bool `json:"modulesExcluded"`
	// PluginsEnabled holds only explicit selections as "slug" or "slug@version".
	PluginsEnabled []string `json:"pluginsEnabled,omitempty"`
	// PluginConfigs maps plugin slug to option key to enabled.
	PluginConfigs map[string]map[string]bool `json:"pluginConfigs,omitempty"`
}

// Build is the record tracked for one distinct build hash.
type Build struct {
	ID                   string      `json:"id"`
	BuildHash            string      `json:"build_hash"`
	Config               BuildConfig `json:"config"`
	Status               BuildStatus `json:"status"`
	StartedAt            time.Time   `json:"started_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
	RunID                int64       `json:"run_id,omitempty"`
	RunIDHistory         []int64     `json:"run_id_history"`
	FirmwareArtifactPath string      `json:"firmware_path,omitempty"`
	SourceArtifactPath   string      `json:"source_path,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
}

// StatusUpdate is one lifecycle event applied to a build.
type StatusUpdate struct {
	Status BuildStatus
	// RunID is zero when the event is not tied to a compiler run.
	RunID        int64
	FirmwarePath string
	SourcePath   string
	ErrorMessage string
}

// NewBuild returns a freshly queued build for the given identity.
func NewBuild(id, buildHash string, cfg BuildConfig, now time.Time) *Build {
	return &Build{
		ID:           id,
		BuildHash:    buildHash,
		Config:       cfg,
		Status:       BuildStatusQueued,
		StartedAt:    now,
		UpdatedAt:    now,
		RunIDHistory: []int64{},
	}
}

// IsSupersededRun reports whether runID belongs to an earlier run of this build.
func (b *Build) IsSupersededRun(runID int64) bool {
	return runID != 0 && runID != b.RunID && slices.Contains(b.RunIDHistory, runID)
}

// ApplyStatus mutates the build according to a lifecycle event and reports
// whether it was applied. Events from a superseded run are ignored.
func (b *Build) ApplyStatus(u StatusUpdate, now time.Time) bool {
	if b.IsSupersededRun(u.RunID) {
		return false
	}

	if u.RunID != 0 && u.RunID != b.RunID {
		if b.RunID != 0 && !slices.Contains(b.RunIDHistory, b.RunID) {
			b.RunIDHistory = append(b.RunIDHistory, b.RunID)
		}
		b.RunID = u.RunID
		b.clearArtifacts()
	}

	wasTerminal := b.Status.IsTerminal() && b.Status == u.Status && b.CompletedAt != nil
	b.Status = u.Status
	b.UpdatedAt = now

	if u.Status == BuildStatusQueued {
		b.clearArtifacts()
	}

	switch {
	case u.Status.IsTerminal() && !wasTerminal:
		completed := now
		b.CompletedAt = &completed
	case !u.Status.IsTerminal():
		b.CompletedAt = nil
	}

	if u.FirmwarePath != "" {
		b.FirmwareArtifactPath = u.FirmwarePath
	}
	if u.SourcePath != "" {
		b.SourceArtifactPath = u.SourcePath
	}

	switch {
	case u.ErrorMessage != "":
		b.ErrorMessage = u.ErrorMessage
	case u.Status != BuildStatusFailure:
		b.ErrorMessage = ""
	}

	if b.RunIDHistory == nil {
		b.RunIDHistory = []int64{}
	}
	return true
}

// ResetForRetry starts a new dispatch cycle on the same record.
func (b *Build) ResetForRetry(now time.Time) {
	b.ApplyStatus(StatusUpdate{Status: BuildStatusQueued}, now)
	b.StartedAt = now
	b.ErrorMessage = ""
}

func (b *Build) clearArtifacts() {
	b.FirmwareArtifactPath = ""
	b.SourceArtifactPath = ""
}

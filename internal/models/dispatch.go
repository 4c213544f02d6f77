package models

import "time"

// DispatchRequest carries everything the external compiler needs to start
// one run of a build.
type DispatchRequest struct {
	BuildID   string   `json:"build_id"`
	BuildHash string   `json:"build_hash"`
	Target    string   `json:"target"`
	Version   string   `json:"version"`
	Flags     string   `json:"flags"`
	Plugins   []string `json:"plugins"`
}

// DispatchJob is a queued dispatch request.
type DispatchJob struct {
	ID         string          `json:"id"`
	Request    DispatchRequest `json:"request"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

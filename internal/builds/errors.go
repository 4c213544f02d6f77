package builds

import (
	"errors"
	"fmt"
)

// Errors surfaced by the build service.
var (
	ErrBuildNotFound   = errors.New("build not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidStatus   = errors.New("invalid build status")
	ErrInvalidConfig   = errors.New("invalid build config")
)

// DispatchError describes a failed compiler dispatch. It is recorded on the
// build as a failure and is not returned from Ensure or Retry.
type DispatchError struct {
	BuildID   string
	BuildHash string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for build %s (%s): %v", e.BuildID, e.BuildHash, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

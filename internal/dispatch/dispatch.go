// Package dispatch triggers external compile runs for builds, either inline
// against the GitHub Actions API or through the dispatch queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// ErrMissingCredentials is a fatal configuration error: the compiler cannot
// be reached without it.
var ErrMissingCredentials = errors.New("missing dispatch credentials")

// Dispatcher starts one compile run. It is fire-and-forget; the compiler
// reports progress through the status webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req models.DispatchRequest) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	return f(ctx, req)
}

// FailureRecorder turns a dispatch failure into a build status transition.
type FailureRecorder interface {
	RecordDispatchFailure(ctx context.Context, buildID string, cause error) error
}

// HTTPError is a non-2xx response from the compiler API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("compiler API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("compiler API returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTemporary reports whether err is worth retrying. Transport errors are;
// client errors and configuration errors are not.
func IsTemporary(err error) bool {
	if err == nil || errors.Is(err, ErrMissingCredentials) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

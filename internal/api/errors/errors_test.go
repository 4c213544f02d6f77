package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/meshenvy/firmware-builder/internal/artifact"
	"github.com/meshenvy/firmware-builder/internal/builds"
	"github.com/meshenvy/firmware-builder/internal/registry"
	"github.com/meshenvy/firmware-builder/internal/store"
)

func TestPropertyStructuredErrorResponseFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genErrorCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeUnauthorized,
		CodeForbidden,
		CodeInternalError,
		CodeConflict,
	)
	genNonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0
	})
	genRequestID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}")

	properties.Property("error response carries code, message and request id", prop.ForAll(
		func(code, message, requestID string) bool {
			rr := httptest.NewRecorder()
			WriteError(rr, New(code, message).WithRequestID(requestID))

			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				return false
			}
			return body["code"] == code &&
				body["message"] == message &&
				body["request_id"] == requestID &&
				rr.Code == New(code, message).HTTPStatusCode()
		},
		genErrorCode,
		genNonEmptyString,
		genRequestID,
	))

	properties.TestingRun(t)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"build not found", fmt.Errorf("%w: abc", builds.ErrBuildNotFound), http.StatusNotFound},
		{"profile not found", fmt.Errorf("%w: p", builds.ErrProfileNotFound), http.StatusNotFound},
		{"store not found", store.ErrNotFound, http.StatusNotFound},
		{"invalid config", fmt.Errorf("%w: version", builds.ErrInvalidConfig), http.StatusBadRequest},
		{"invalid status", builds.ErrInvalidStatus, http.StatusBadRequest},
		{"plugin ref", registry.ErrInvalidPluginRef, http.StatusBadRequest},
		{"artifact type", artifact.ErrInvalidType, http.StatusBadRequest},
		{"missing extension", fmt.Errorf("build 1: %w", artifact.ErrMissingExtension), http.StatusBadRequest},
		{"no run", artifact.ErrNoRun, http.StatusConflict},
		{"api error", NewForbiddenError("no"), http.StatusForbidden},
		{"unknown", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromError(tt.err).HTTPStatusCode(); got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
		})
	}

	if msg := FromError(fmt.Errorf("dial tcp: secret-host")).Message; msg != "An unexpected error occurred" {
		t.Errorf("internal errors must not leak details, got %q", msg)
	}
}

func TestValidationErrors(t *testing.T) {
	var v ValidationErrors
	if v.HasErrors() {
		t.Fatal("empty collection has no errors")
	}
	v.Add("build_id", "build_id is required")
	v.Add("status", "status is required")

	apiErr := v.ToAPIError()
	if apiErr.Code != CodeValidationError || apiErr.HTTPStatusCode() != http.StatusBadRequest {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if apiErr.Message != "build_id is required (and 1 more errors)" {
		t.Errorf("message = %q", apiErr.Message)
	}
	fields, ok := apiErr.Details["fields"].(ValidationErrors)
	if !ok || len(fields) != 2 || fields[1].Field != "status" {
		t.Errorf("details = %+v", apiErr.Details)
	}
}

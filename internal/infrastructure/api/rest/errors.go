// Package rest exposes the Deployment API (§6: deploy/cancel/status) over
// gin, the teacher's HTTP framework of choice.
package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/flowmesh/core/pkg/models"
)

// APIError is the JSON error envelope returned by every handler.
type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError builds an APIError.
func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: httpStatus}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "required parameter is missing", http.StatusBadRequest)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
)

// TranslateError maps a domain error returned by deployment.Manager to an
// APIError, following the teacher's errors.Is cascade in
// internal/infrastructure/api/rest/errors.go, trimmed to the sentinel
// errors a deployment operation can actually return.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, models.ErrWorkflowNotFound):
		return NewAPIError("WORKFLOW_NOT_FOUND", "workflow not found", http.StatusNotFound)
	case errors.Is(err, models.ErrDeploymentNotFound):
		return NewAPIError("DEPLOYMENT_NOT_FOUND", "deployment not found", http.StatusNotFound)
	case errors.Is(err, models.ErrDeploymentExists):
		return NewAPIError("DEPLOYMENT_EXISTS", "deployment already active for this workflow", http.StatusConflict)
	case errors.Is(err, models.ErrDeploymentConcurrency):
		return NewAPIError("DEPLOYMENT_CONCURRENCY", "deployment concurrency limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, models.ErrInvalidWorkflow):
		return NewAPIError("INVALID_WORKFLOW", "invalid workflow structure", http.StatusBadRequest)
	case errors.Is(err, models.ErrCyclicDependency):
		return NewAPIError("CYCLIC_DEPENDENCY", "workflow contains cyclic dependencies", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidNodeType):
		return NewAPIError("INVALID_NODE_TYPE", "invalid node type", http.StatusBadRequest)
	}

	var structErr *models.StructuralError
	if errors.As(err, &structErr) {
		return NewAPIError("INVALID_WORKFLOW", structErr.Error(), http.StatusBadRequest)
	}

	var lockErr *models.LockContentionError
	if errors.As(err, &lockErr) {
		return NewAPIError("LOCK_CONTENTION", lockErr.Error(), http.StatusConflict)
	}

	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return NewAPIError("NOT_FOUND", err.Error(), http.StatusNotFound)
	}

	return NewAPIError("INTERNAL_ERROR", "an unexpected error occurred", http.StatusInternalServerError)
}

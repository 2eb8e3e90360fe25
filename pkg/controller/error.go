// Package controller maps errors to JSON HTTP responses.
package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/ordefy/ordefy/pkg/middleware/requestid"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Mapping ties an error kind, matched with errors.Is, to a status and code.
type Mapping struct {
	Kind   error
	Status int
	Code   string
}

// Mapper resolves errors in order; the first matching kind wins.
type Mapper []Mapping

// APIError carries its own status and code and wins over any Mapping.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Cause }

// NewBadRequest reports invalid caller input.
func NewBadRequest(code, message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: code, Message: message}
}

// MapError returns the status and body for err. Unmatched errors become 500
// and their text is not exposed.
func (m Mapper) MapError(ctx context.Context, err error) (int, ErrorResponse) {
	resp := ErrorResponse{RequestID: requestid.GetRequestID(ctx)}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		resp.Error = codeOrCategory(apiErr.Code, status)
		resp.Message = apiErr.Message
		resp.Details = apiErr.Details
		return status, resp
	}

	for _, mapping := range m {
		if mapping.Kind != nil && errors.Is(err, mapping.Kind) {
			resp.Error = codeOrCategory(mapping.Code, mapping.Status)
			if mapping.Status < http.StatusInternalServerError {
				resp.Message = err.Error()
			}
			return mapping.Status, resp
		}
	}

	resp.Error = "internal_server_error"
	resp.Message = "an unexpected error occurred"
	return http.StatusInternalServerError, resp
}

func codeOrCategory(code string, status int) string {
	if code != "" {
		return code
	}
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	}
	if status >= http.StatusInternalServerError {
		return "internal_server_error"
	}
	return "application_error"
}

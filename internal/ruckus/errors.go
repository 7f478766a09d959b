package ruckus

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is an error returned by the upstream controller API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the error is transient: network failures,
// 5xx responses, and rate limiting.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Non-API errors from the transport (timeouts, resets) are retryable.
	return err != nil
}

// IsNotFound reports whether the error is an upstream 404 or carries a
// "not found" message. Cascade deletes treat these as success.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// IsConflict reports whether the upstream says the resource already exists.
// Phases treat this as idempotent success.
func IsConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusConflict
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

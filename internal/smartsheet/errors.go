package smartsheet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Platform error codes the exporter reacts to
const (
	// ErrorCodeNotFound is returned for a sheet or attachment that does not exist
	ErrorCodeNotFound = 1006
	// ErrorCodeAccessDenied is returned when the assumed user cannot be impersonated
	ErrorCodeAccessDenied = 1030
	// ErrorCodeAssumeUserDenied is returned when Assume-User names a user outside
	// the admin's reach (unlicensed, pending or in another org)
	ErrorCodeAssumeUserDenied = 5349
)

// APIError represents a Smartsheet API error response
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  int    `json:"errorCode"`
	Message    string `json:"message"`
	RefID      string `json:"refId,omitempty"`
}

func (e *APIError) Error() string {
	if e.RefID != "" {
		return fmt.Sprintf("smartsheet API error %d (HTTP %d): %s [refId %s]", e.ErrorCode, e.StatusCode, e.Message, e.RefID)
	}
	return fmt.Sprintf("smartsheet API error %d (HTTP %d): %s", e.ErrorCode, e.StatusCode, e.Message)
}

// HTTPError represents a non-2xx response without a parseable API error body
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Status)
}

// parseAPIError attempts to parse a Smartsheet error body. It returns nil when
// the body does not look like one.
func parseAPIError(statusCode int, body []byte) *APIError {
	if len(body) == 0 {
		return nil
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return nil
	}
	if apiErr.ErrorCode == 0 && apiErr.Message == "" {
		return nil
	}

	apiErr.StatusCode = statusCode
	return &apiErr
}

// IsImpersonationDenied reports whether err means the user cannot be assumed
func IsImpersonationDenied(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrorCodeAssumeUserDenied || apiErr.ErrorCode == ErrorCodeAccessDenied
	}
	return false
}

// IsNotFound reports whether err means the resource no longer exists
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrorCodeNotFound || apiErr.StatusCode == http.StatusNotFound
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusNotFound
	}
	return false
}

// ErrorCode returns the platform error code carried by err, or 0
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode
	}
	return 0
}

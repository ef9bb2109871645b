package api

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error returned by the gateway. Code carries the
// gateway's error class (not_found, store_unavailable, ...) and ErrorCode
// its numeric detail.
type APIError struct {
	Status    int
	Code      string
	ErrorCode int
	Message   string
}

func (e *APIError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Status > 0:
		return fmt.Sprintf("api error: %d", e.Status)
	}
	return "api error"
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e != nil && (e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports whether the gateway found record and blob out of sync.
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusConflict
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Backend error codes the client branches on.
const (
	// CodeRequestActive is the stale-state conflict: a pending hire request
	// already exists for the pair. The caller must re-fetch authoritative
	// status before retrying.
	CodeRequestActive = "request_active"

	// CodeInvalidTransition marks a hire transition the backend refused
	// (e.g. cancelling an accepted request).
	CodeInvalidTransition = "invalid_transition"
)

// Error is a backend-reported failure.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// IsRequestActive reports whether err is the "request already active"
// conflict.
func IsRequestActive(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeRequestActive
}

// IsTransient reports whether err is a transport-level failure worth a
// user-facing retry prompt, as opposed to a backend rejection.
func IsTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	// Body is best-effort; the status code alone is already a valid error.
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil {
		if parsed.Code != "" {
			apiErr.Code = parsed.Code
		}
		if parsed.Message != "" {
			apiErr.Message = parsed.Message
		}
	}
	return apiErr
}

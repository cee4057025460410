package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures. The retry layer only retries
// transient kinds; everything else fails the request immediately.
type ErrorKind string

// Failure taxonomy for the client layer.
const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindBadRequest     ErrorKind = "bad_request"
	KindAuthFailed     ErrorKind = "auth_failed"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindSafetyFiltered ErrorKind = "safety_filtered"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindUnknown        ErrorKind = "unknown"
)

// APIError is the error type returned by every Client method.
type APIError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying. Only network
// faults and timeouts qualify; API-level rejections are deterministic.
func (e *APIError) Transient() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// kindForStatus maps an HTTP status code to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

// AsAPIError extracts an *APIError from err, wrapping unclassified errors
// as KindUnknown so callers always see the taxonomy.
func AsAPIError(provider string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Provider: provider, Kind: KindUnknown, Message: err.Error(), Err: err}
}

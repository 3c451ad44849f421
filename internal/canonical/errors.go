package canonical

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Check with errors.Is().
var (
	// ErrEmptyResponse marks a native response without any candidates or choices.
	ErrEmptyResponse = errors.New("empty provider response")

	// ErrMalformedResponse marks a native response body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrNoProviders marks an empty provider registry.
	ErrNoProviders = errors.New("no providers configured")

	// ErrNoCandidates is returned when every configured provider was excluded.
	ErrNoCandidates = errors.New("no candidate providers left")
)

// TransformationError is a malformed or unsupported canonical or native
// payload. It is fatal for the current request and never retried.
type TransformationError struct {
	Family string // provider family, empty for canonical-side validation
	Field  string // offending field path, e.g. "tools[1].name"
	Reason string
	Err    error
}

func (e *TransformationError) Error() string {
	prefix := "transform"
	if e.Family != "" {
		prefix = fmt.Sprintf("transform (%s)", e.Family)
	}

	msg := fmt.Sprintf("%s: %s", prefix, e.Reason)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field '%s': %s", prefix, e.Field, e.Reason)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", msg, e.Err)
	}

	return msg
}

func (e *TransformationError) Unwrap() error {
	return e.Err
}

// RoutingError means no request can proceed, e.g. the registry is empty.
type RoutingError struct {
	Reason string
	Err    error
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing: %s: %v", e.Reason, e.Err)
	}

	return "routing: " + e.Reason
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// ProviderError is an upstream call failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider '%s' error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("provider '%s' error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StreamingSimulationError is an internal fault while emitting simulated
// events. The simulator converts it into a terminal error event.
type StreamingSimulationError struct {
	Index  int
	Reason string
	Err    error
}

func (e *StreamingSimulationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("streaming simulation: block %d: %s: %v", e.Index, e.Reason, e.Err)
	}

	return fmt.Sprintf("streaming simulation: block %d: %s", e.Index, e.Reason)
}

func (e *StreamingSimulationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a provider failure flagged retryable.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}

	return false
}

// StatusCode extracts the upstream status code from err, or 0.
func StatusCode(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}

	return 0
}

// IsTransformation reports whether err is a TransformationError.
func IsTransformation(err error) bool {
	var transformErr *TransformationError
	return errors.As(err, &transformErr)
}

// Client-facing error envelope types.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypePermission     = "permission_error"
	ErrorTypeNotFound       = "not_found_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeAPI            = "api_error"
	ErrorTypeOverloaded     = "overloaded_error"
)

// StatusOverloaded is the status used for overloaded_error envelopes.
const StatusOverloaded = 529

// Classify maps err to the HTTP status and error type a client sees.
func Classify(err error) (int, string) {
	var (
		transformErr *TransformationError
		routingErr   *RoutingError
		providerErr  *ProviderError
	)

	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &transformErr):
		if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrMalformedResponse) {
			return http.StatusBadGateway, ErrorTypeAPI
		}

		return http.StatusBadRequest, ErrorTypeInvalidRequest
	case errors.As(err, &routingErr):
		return http.StatusServiceUnavailable, ErrorTypeAPI
	case errors.Is(err, ErrNoCandidates):
		return StatusOverloaded, ErrorTypeOverloaded
	case errors.As(err, &providerErr):
		return classifyStatus(providerErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorTypeAPI
	}

	return http.StatusInternalServerError, ErrorTypeAPI
}

func classifyStatus(status int) (int, string) {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return http.StatusBadRequest, ErrorTypeInvalidRequest
	case http.StatusUnauthorized:
		return http.StatusUnauthorized, ErrorTypeAuthentication
	case http.StatusForbidden:
		return http.StatusForbidden, ErrorTypePermission
	case http.StatusNotFound:
		return http.StatusNotFound, ErrorTypeNotFound
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests, ErrorTypeRateLimit
	case http.StatusServiceUnavailable, StatusOverloaded:
		return StatusOverloaded, ErrorTypeOverloaded
	}

	return http.StatusBadGateway, ErrorTypeAPI
}

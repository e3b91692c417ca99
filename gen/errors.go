package gen

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies engine failures so the caller can map them uniformly
// without knowing provider internals.
type ErrorCode string

const (
	ErrInsufficientCredits ErrorCode = "GEN_INSUFFICIENT_CREDITS" // balance below cost at reserve time
	ErrUnsupportedModel    ErrorCode = "GEN_UNSUPPORTED_MODEL"    // no adapter registered for model
	ErrInvalidOption       ErrorCode = "GEN_INVALID_OPTION"       // malformed provider-specific knob
	ErrInvalidRequest      ErrorCode = "GEN_INVALID_REQUEST"      // missing prompt or similar caller fault
	ErrUnauthorized        ErrorCode = "GEN_UNAUTHORIZED"         // missing or invalid caller identity
	ErrCircuitOpen         ErrorCode = "GEN_CIRCUIT_OPEN"         // breaker rejected the call
	ErrRateLimited         ErrorCode = "GEN_RATE_LIMITED"         // local outbound limiter or upstream 429
	ErrProviderError       ErrorCode = "GEN_PROVIDER_ERROR"       // upstream 5xx/network failure
	ErrJobFailed           ErrorCode = "GEN_JOB_FAILED"           // async job reached FAILED/ERROR
	ErrJobTimedOut         ErrorCode = "GEN_JOB_TIMED_OUT"        // poll budget exhausted
	ErrInvalidHost         ErrorCode = "GEN_INVALID_HOST"         // provider URL outside the allowlist
	ErrInvalidAsset        ErrorCode = "GEN_INVALID_ASSET"        // asset with no retrievable content
	ErrPersistenceFailed   ErrorCode = "GEN_PERSISTENCE_FAILED"   // blob store or gallery write failed
	ErrInternal            ErrorCode = "GEN_INTERNAL"             // unexpected engine failure
)

// Error is the normalized error shape every adapter and engine component
// surfaces: an HTTP-like status, a human message and an opaque details blob.
type Error struct {
	Code       ErrorCode       `json:"code"`
	Message    string          `json:"message"`
	HTTPStatus int             `json:"http_status"`
	Retryable  bool            `json:"retryable"`
	Provider   string          `json:"provider,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the status and retryability implied by code.
func NewError(code ErrorCode, provider, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: statusFor(code),
		Retryable:  retryableFor(code),
		Provider:   provider,
	}
}

// WithDetails attaches the raw upstream payload for diagnostics.
func (e *Error) WithDetails(details []byte) *Error {
	e.Details = json.RawMessage(details)
	return e
}

// WithCause chains the underlying error so errors.Is can see through the
// normalized shape.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Unwrap() error { return e.cause }

func statusFor(code ErrorCode) int {
	switch code {
	case ErrInsufficientCredits:
		return http.StatusPaymentRequired
	case ErrUnsupportedModel, ErrInvalidOption, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrJobFailed:
		return http.StatusUnprocessableEntity
	case ErrJobTimedOut:
		return http.StatusGatewayTimeout
	case ErrInvalidHost, ErrInvalidAsset:
		return http.StatusBadGateway
	case ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func retryableFor(code ErrorCode) bool {
	switch code {
	case ErrCircuitOpen, ErrRateLimited, ErrProviderError, ErrJobTimedOut, ErrPersistenceFailed:
		return true
	default:
		return false
	}
}

// AsError extracts a *Error from err, wrapping unknown errors as a generic
// provider error so every failure leaving the engine carries the triple.
func AsError(err error, provider string) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return NewError(ErrProviderError, provider, err.Error())
}

// IsCallerFault reports whether err indicates a 4xx-equivalent caller mistake.
// Caller faults are never retried and never trip the circuit breaker.
func IsCallerFault(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Code {
	case ErrUnsupportedModel, ErrInvalidOption, ErrInvalidRequest, ErrInsufficientCredits, ErrUnauthorized:
		return true
	}
	return false
}

// IsSystemic reports whether err counts toward the circuit breaker: timeouts,
// upstream 429/5xx and exhausted poll budgets. Semantic generation failures
// (JobFailed) do not qualify; the provider is up, it declined the request.
func IsSystemic(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	switch ge.Code {
	case ErrProviderError, ErrRateLimited, ErrJobTimedOut:
		return true
	}
	return false
}

// UpstreamStatusError maps an upstream HTTP status to the engine taxonomy.
// 4xx other than 429 is the caller's fault; 429 and 5xx are systemic.
func UpstreamStatusError(provider string, status int, body []byte) *Error {
	msg := fmt.Sprintf("upstream status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, provider, msg).WithDetails(body)
	case status >= 500:
		return NewError(ErrProviderError, provider, msg).WithDetails(body)
	default:
		return NewError(ErrInvalidOption, provider, msg).WithDetails(body)
	}
}

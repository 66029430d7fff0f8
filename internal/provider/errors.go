package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed. The pool
// uses it to decide whether to try the next candidate and whether the
// failing credential should be excluded outright.
type FailureReason string

const (
	// FailureRateLimit indicates provider-side rate limiting (HTTP 429).
	FailureRateLimit FailureReason = "rate_limit"

	// FailureAuth indicates authentication failure (HTTP 401, 403).
	FailureAuth FailureReason = "auth"

	// FailureBilling indicates payment/quota issues (HTTP 402).
	FailureBilling FailureReason = "billing"

	// FailureTimeout indicates a request timeout.
	FailureTimeout FailureReason = "timeout"

	// FailureServerError indicates server-side issues (HTTP 5xx).
	FailureServerError FailureReason = "server_error"

	// FailureInvalidRequest indicates client-side issues (HTTP 400).
	FailureInvalidRequest FailureReason = "invalid_request"

	// FailureModelUnavailable indicates the model is not available.
	FailureModelUnavailable FailureReason = "model_unavailable"

	// FailureContentFilter indicates content was blocked by safety filters.
	FailureContentFilter FailureReason = "content_filter"

	// FailureMalformedResponse indicates the provider returned a
	// response the adapter could not interpret.
	FailureMalformedResponse FailureReason = "malformed_response"

	// FailureUnknown indicates an unclassified error.
	FailureUnknown FailureReason = "unknown"
)

// Transient returns true when a later retry against the same
// credential may succeed.
func (r FailureReason) Transient() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ExcludesCredential returns true when the credential itself is
// unusable and must not be offered again during this request.
// Retrying an auth failure on the same key cannot succeed.
func (r FailureReason) ExcludesCredential() bool {
	switch r {
	case FailureAuth, FailureBilling:
		return true
	default:
		return false
	}
}

// Error is a structured failure from a provider adapter. It captures
// the context the pool needs for failover decisions and the fields a
// user-visible message must include.
type Error struct {
	// Reason categorizes the failure for failover logic.
	Reason FailureReason

	// Provider is the provider type name (e.g. "anthropic").
	Provider string

	// CredentialID is the failing credential.
	CredentialID string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.CredentialID != "" {
		parts = append(parts, fmt.Sprintf("credential=%s", e.CredentialID))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps a raw adapter failure, classifying it by message.
func NewError(providerType Type, credentialID, model string, cause error) *Error {
	err := &Error{
		Provider:     string(providerType),
		CredentialID: credentialID,
		Model:        model,
		Cause:        cause,
		Reason:       FailureUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus adds an HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if reason := classifyStatus(status); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// WithReason forces a classification an adapter knows to be correct.
func (e *Error) WithReason(reason FailureReason) *Error {
	e.Reason = reason
	return e
}

// Classify inspects an error and returns the appropriate FailureReason.
// Provider SDKs are inconsistent about typed errors, so classification
// falls back to message inspection.
func Classify(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return FailureTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailureRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailureAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return FailureBilling
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return FailureContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return FailureModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailureServerError
	}

	return FailureUnknown
}

// classifyStatus returns a FailureReason from an HTTP status code.
func classifyStatus(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusPaymentRequired:
		return FailureBilling
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusBadRequest:
		return FailureInvalidRequest
	case status == http.StatusNotFound:
		return FailureModelUnavailable
	case status >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

// AsError extracts a provider *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}

// ReasonOf returns the failure reason of any error, classifying raw
// errors on the fly.
func ReasonOf(err error) FailureReason {
	if pErr, ok := AsError(err); ok {
		return pErr.Reason
	}
	return Classify(err)
}

package providers

import (
	"errors"
	"strings"
)

// Code tags an error with its position in the flat pipeline taxonomy.
type Code string

const (
	// Raised before any provider call
	CodeNotAuthenticated   Code = "NOT_AUTHENTICATED"
	CodeProviderNotFound   Code = "PROVIDER_NOT_FOUND"
	CodePromptInjection    Code = "PROMPT_INJECTION_DETECTED"
	CodeAPIAbuse           Code = "API_ABUSE_DETECTED"
	CodeRequestTooLarge    Code = "REQUEST_TOO_LARGE"
	CodeTooManyMessages    Code = "TOO_MANY_MESSAGES"
	CodeInsufficientTokens Code = "INSUFFICIENT_TOKENS"

	// Raised at or after the provider call
	CodeInvalidResponse   Code = "INVALID_RESPONSE"
	CodeProviderError     Code = "PROVIDER_ERROR"
	CodeStreamingError    Code = "PROVIDER_STREAMING_ERROR"
	CodeStreamingDisabled Code = "DIRECT_STREAMING_DISABLED"

	// Vendor-emitted specific codes
	CodePaymentRequired Code = "PAYMENT_REQUIRED"
	CodeRateLimited     Code = "RATE_LIMIT_EXCEEDED"
	CodeGatewayTimeout  Code = "GATEWAY_TIMEOUT"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeSafetyFilter    Code = "SAFETY_FILTER"
	CodeInvalidAPIKey   Code = "INVALID_API_KEY"
	CodeRequestFailed   Code = "REQUEST_FAILED"
)

// Error is the tagged error raised by every layer of the pipeline. The
// Retryable flag is set by the layer that raises the error, never inferred
// downstream.
type Error struct {
	Provider   Identity
	Code       Code
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a tagged pipeline error.
func NewError(provider Identity, code Code, message string, statusCode int, retryable bool, cause error) *Error {
	return &Error{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// AsError extracts a tagged error, reporting whether err is recognized.
func AsError(err error) (*Error, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged, true
	}
	return nil, false
}

// IsRetryable reports the Retryable flag of a tagged error. Unrecognized
// errors are not retryable.
func IsRetryable(err error) bool {
	if tagged, ok := AsError(err); ok {
		return tagged.Retryable
	}
	return false
}

// CodeOf returns the code of a tagged error, or "" for anything else.
func CodeOf(err error) Code {
	if tagged, ok := AsError(err); ok {
		return tagged.Code
	}
	return ""
}

// WrapProviderError passes a recognized tagged error through unchanged and
// wraps anything else as a generic retryable provider failure owned by the
// given provider.
func WrapProviderError(provider Identity, err error) *Error {
	if tagged, ok := AsError(err); ok {
		return tagged
	}
	return NewError(provider, CodeProviderError, "provider request failed", 0, true, err)
}

// MessageRule maps a substring of vendor error text to a specific code.
// Rules are evaluated in order; the first hit wins.
//
// TODO: revisit once vendors expose structured error codes through the
// proxy; substring matching breaks when vendors reword their messages.
type MessageRule struct {
	Substring string
	Code      Code
	Retryable bool
}

var defaultMessageRules = []MessageRule{
	{"insufficient_quota", CodeQuotaExceeded, false},
	{"quota exceeded", CodeQuotaExceeded, false},
	{"billing hard limit", CodeQuotaExceeded, false},
	{"safety", CodeSafetyFilter, false},
	{"content_filter", CodeSafetyFilter, false},
	{"blocked by content policy", CodeSafetyFilter, false},
	{"invalid api key", CodeInvalidAPIKey, false},
	{"invalid_api_key", CodeInvalidAPIKey, false},
	{"incorrect api key", CodeInvalidAPIKey, false},
	{"authentication_error", CodeInvalidAPIKey, false},
	{"rate limit", CodeRateLimited, true},
	{"rate_limit", CodeRateLimited, true},
	{"too many requests", CodeRateLimited, true},
	{"overloaded", CodeGatewayTimeout, true},
	{"timeout", CodeGatewayTimeout, true},
}

// ClassifyMessage re-tags vendor error text using the ordered rule list,
// falling through to a generic retryable request failure when nothing
// matches. Matching is case-insensitive and best-effort.
func ClassifyMessage(provider Identity, text string, statusCode int, extra []MessageRule) *Error {
	lowered := strings.ToLower(text)
	rules := append(append([]MessageRule{}, extra...), defaultMessageRules...)
	for _, rule := range rules {
		if strings.Contains(lowered, strings.ToLower(rule.Substring)) {
			return NewError(provider, rule.Code, text, statusCode, rule.Retryable, nil)
		}
	}
	return NewError(provider, CodeRequestFailed, text, statusCode, true, nil)
}

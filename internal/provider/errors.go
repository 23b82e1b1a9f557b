package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Reason classifies provider failures into actionable categories.
type Reason string

const (
	ReasonAuth             Reason = "auth"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonTimeout          Reason = "timeout"
	ReasonServer           Reason = "server"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonUnknown          Reason = "unknown"
)

// ProviderError wraps a backend failure with its provider, classification,
// and HTTP status when one exists.
type ProviderError struct {
	Provider   string
	Reason     Reason
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Reason)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a retry with backoff may succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Reason {
	case ReasonRateLimit, ReasonTimeout, ReasonServer:
		return true
	}
	return false
}

// NewProviderError builds a classified error for the named provider.
func NewProviderError(provider string, reason Reason, err error) *ProviderError {
	return &ProviderError{Provider: provider, Reason: reason, Err: err}
}

// WithStatus attaches the HTTP status code.
func (e *ProviderError) WithStatus(code int) *ProviderError {
	e.StatusCode = code
	return e
}

// WithMessage attaches a human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// Classify wraps an arbitrary backend error, inferring its reason from the
// HTTP status (when known) or the error itself.
func Classify(provider string, statusCode int, err error) *ProviderError {
	reason := classifyStatus(statusCode)
	if reason == ReasonUnknown {
		reason = classifyErr(err)
	}
	return &ProviderError{Provider: provider, Reason: reason, StatusCode: statusCode, Err: err}
}

func classifyStatus(code int) Reason {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ReasonAuth
	case code == http.StatusTooManyRequests:
		return ReasonRateLimit
	case code == http.StatusNotFound:
		return ReasonModelUnavailable
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code >= 500:
		return ReasonServer
	case code >= 400:
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyErr(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "authentication"):
		return ReasonAuth
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable"):
		return ReasonServer
	}
	return ReasonUnknown
}

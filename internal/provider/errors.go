package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the gateway.
var (
	// ErrProviderUnavailable means no candidate in a selection chain passed
	// its availability probe.
	ErrProviderUnavailable = errors.New("no provider available")

	// ErrUnsupportedOperation means the adapter does not implement the
	// requested capability (e.g. streaming).
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
)

// ValidationError is raised before any network call when a request field is
// missing or out of range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ConfigurationError means the gateway was asked to use something that was
// never configured (e.g. an explicitly pinned but unregistered provider).
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Machine codes for ProviderError. Every vendor failure maps onto one of
// these so the gateway can treat all adapters identically.
const (
	CodeAuthFailed   = "auth_failed"
	CodeRateLimited  = "rate_limited"
	CodeBadRequest   = "bad_request"
	CodeUpstream     = "upstream_error"
	CodeNetwork      = "network_error"
	CodeBadResponse  = "bad_response"
)

// ProviderError is the normalized shape of any vendor API failure.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Status   int // HTTP status from the vendor, 0 for network errors
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Retryable reports whether the failure is worth retrying against the same
// provider (rate limits, 5xx and network errors).
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeUpstream, CodeNetwork:
		return true
	}
	return false
}

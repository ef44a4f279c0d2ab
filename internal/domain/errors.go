package domain

import (
	"errors"
	"fmt"
)

// Provider-level failures. These degrade a single bundle slot to absent.
var (
	ErrNotConfigured    = errors.New("provider not configured")
	ErrUnsupportedInput = errors.New("unsupported input")
	ErrProviderFailure  = errors.New("provider failure")
)

// Operation-level failures. These are returned to callers.
var (
	ErrAllProvidersFailed      = errors.New("all embedding providers failed")
	ErrPrimaryModelUnavailable = errors.New("primary model embedding unavailable")
	ErrInvalidQuery            = errors.New("invalid query")
	ErrMediaNotFound           = errors.New("media item not found")
)

// ProviderError describes why one model could not produce a vector.
type ProviderError struct {
	Model  string
	Kind   error // one of ErrNotConfigured, ErrUnsupportedInput, ErrProviderFailure
	Reason string
	Err    error
}

// NewProviderError builds a ProviderError for model.
func NewProviderError(model string, kind error, reason string, cause error) *ProviderError {
	return &ProviderError{Model: model, Kind: kind, Reason: reason, Err: cause}
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Model, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Outcome returns a short label for the failure kind, used in logs and metrics.
func (e *ProviderError) Outcome() string {
	switch {
	case errors.Is(e.Kind, ErrNotConfigured):
		return "not_configured"
	case errors.Is(e.Kind, ErrUnsupportedInput):
		return "unsupported_input"
	default:
		return "provider_failure"
	}
}

// AsProviderError converts any adapter error into a ProviderError for model.
// Errors that are not already typed are classified as provider failures.
func AsProviderError(model string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return NewProviderError(model, ErrProviderFailure, "", err)
}

package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingConfiguration = errors.New("missing provider configuration")
	ErrSafetyBlocked        = errors.New("blocked by provider safety policy")
)

// ConfigurationError is returned before any network call when a provider cannot be
// used as configured.
type ConfigurationError struct {
	Provider ProviderID
	Field    string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "provider" {
		return fmt.Sprintf("unsupported provider %q", e.Provider)
	}
	return fmt.Sprintf("provider %s: missing %s", e.Provider, e.Field)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrMissingConfiguration
}

// SafetyBlockError is a terminal content-moderation rejection. Re-sending the same
// input cannot succeed, so it is never retried.
type SafetyBlockError struct {
	Provider ProviderID
	Reason   string
	Message  string
	// Partial holds text the provider produced before it cut the candidate off.
	Partial string
}

func (e *SafetyBlockError) Error() string {
	msg := fmt.Sprintf("%s blocked the request (%s)", e.Provider, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *SafetyBlockError) Is(target error) bool {
	return target == ErrSafetyBlocked
}

// ProviderError is an upstream error response decoded into structured fields.
type ProviderError struct {
	Provider   ProviderID
	StatusCode int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: upstream status %d", e.Provider, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

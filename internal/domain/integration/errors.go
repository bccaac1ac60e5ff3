package integration

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured signals a provider missing from the registry.
	ErrProviderNotConfigured = errors.New("integration: provider not configured")
	// ErrInvalidState indicates a state token that fails to decode or verify.
	ErrInvalidState = errors.New("integration: invalid state")
	// ErrStateExpired indicates a state token older than the freshness window.
	ErrStateExpired = errors.New("integration: state expired")
	// ErrNoIntegrationFound signals that no credential row exists for the pair.
	ErrNoIntegrationFound = errors.New("integration: no integration found")
	// ErrNoRefreshToken signals a refresh attempt on a record without one.
	ErrNoRefreshToken = errors.New("integration: no refresh token stored")
	// ErrDecryptionFailed signals that the stored blob could not be decrypted.
	ErrDecryptionFailed = errors.New("integration: decryption failed")
)

// TokenExchangeError surfaces the provider's own error text from a failed
// token endpoint call. Fatal per attempt; never retried here.
type TokenExchangeError struct {
	Kind       ProviderKind
	StatusCode int
	Message    string
}

func (e *TokenExchangeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("integration: token exchange with %s failed (status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("integration: token exchange with %s failed: %s", e.Kind, e.Message)
}

package discovery

import "errors"

// Sentinel errors for discovery channels.
var (
	// ErrDispatcherStopped is returned when work is submitted to a stopped dispatcher.
	ErrDispatcherStopped = errors.New("dispatcher stopped")

	// ErrSecretNotFound indicates that the backend holds no secret under the requested name.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrMalformedSecret indicates that a backend entry cannot be decoded into a secret.
	ErrMalformedSecret = errors.New("malformed secret")

	// ErrChannelNotConfigured indicates that a channel was created without a required dependency.
	ErrChannelNotConfigured = errors.New("discovery channel not configured")
)

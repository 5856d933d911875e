package secret

import "errors"

// Sentinel errors for secret operations.
var (
	// ErrUnknownStaticSecret is returned when a static secret name is not registered.
	ErrUnknownStaticSecret = errors.New("unknown static secret")

	// ErrDuplicateStaticSecret is returned when a static secret name is registered twice.
	ErrDuplicateStaticSecret = errors.New("duplicate static secret")

	// ErrStaticProvider is returned when Set is called on a static provider.
	ErrStaticProvider = errors.New("static provider cannot be updated")

	// ErrProviderClosed is returned when Set is called on a released dynamic provider.
	ErrProviderClosed = errors.New("provider closed")

	// ErrUpdateRejected is returned when a validation callback rejects an update.
	ErrUpdateRejected = errors.New("secret update rejected")

	// ErrInvalidSource is returned when a dynamic provider is requested for an invalid config source.
	ErrInvalidSource = errors.New("invalid config source")
)

package tls

import (
	"errors"
	"strings"
)

// Sentinel errors. The typed errors below match one of them with errors.Is.
var (
	ErrConfigInvalid       = errors.New("invalid TLS configuration")
	ErrCipherSuiteInvalid  = errors.New("invalid cipher suite")
	ErrCurveInvalid        = errors.New("invalid curve")
	ErrTLSVersionInvalid   = errors.New("invalid TLS version")
	ErrCertificateInvalid  = errors.New("certificate invalid")
	ErrCAInvalid           = errors.New("CA certificate invalid")
	ErrCRLInvalid          = errors.New("CRL invalid")
	ErrPeerVerification    = errors.New("peer certificate verification failed")
	ErrContextClosed       = errors.New("context config closed")

	// ErrCertificateNotReady is returned by server TLSConfig until a dynamic
	// certificate has been delivered.
	ErrCertificateNotReady = errors.New("certificate not ready")
)

// formatError renders "<prefix>[<sep><at>]: <message>[: <cause>]".
func formatError(prefix, sep, at, message string, cause error) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	if at != "" {
		sb.WriteString(sep)
		sb.WriteString(at)
	}
	sb.WriteString(": ")
	sb.WriteString(message)
	if cause != nil {
		sb.WriteString(": ")
		sb.WriteString(cause.Error())
	}
	return sb.String()
}

// CertificateError reports certificate material that cannot be used. Path
// is the data source it was read from.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

func (e *CertificateError) Error() string {
	return formatError("certificate error", " at ", e.Path, e.Message, e.Cause)
}

func (e *CertificateError) Unwrap() error { return e.Cause }

// Is matches ErrCertificateInvalid and any *CertificateError.
func (e *CertificateError) Is(target error) bool {
	if _, ok := target.(*CertificateError); ok {
		return true
	}
	return target == ErrCertificateInvalid
}

// NewCertificateError creates a CertificateError.
func NewCertificateError(path, message string) *CertificateError {
	return &CertificateError{Path: path, Message: message}
}

// NewCertificateErrorWithCause creates a CertificateError wrapping cause.
func NewCertificateErrorWithCause(path, message string, cause error) *CertificateError {
	return &CertificateError{Path: path, Message: message, Cause: cause}
}

// ConfigurationError is a fatal error in a context configuration message.
// Field is the offending field path.
type ConfigurationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	return formatError("TLS config error", " at ", e.Field, e.Message, e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// Is matches ErrConfigInvalid and any *ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return target == ErrConfigInvalid
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// NewConfigurationErrorWithCause creates a ConfigurationError wrapping cause.
func NewConfigurationErrorWithCause(field, message string, cause error) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message, Cause: cause}
}

// ValidationError is a peer certificate rejected during a handshake.
type ValidationError struct {
	Subject string
	Reason  string
	Cause   error
}

func (e *ValidationError) Error() string {
	return formatError("certificate validation failed", " for ", e.Subject, e.Reason, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Is matches ErrPeerVerification and any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrPeerVerification
}

// NewValidationError creates a ValidationError.
func NewValidationError(subject, reason string) *ValidationError {
	return &ValidationError{Subject: subject, Reason: reason}
}

// NewValidationErrorWithCause creates a ValidationError wrapping cause.
func NewValidationErrorWithCause(subject, reason string, cause error) *ValidationError {
	return &ValidationError{Subject: subject, Reason: reason, Cause: cause}
}

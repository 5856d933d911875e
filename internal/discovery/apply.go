package discovery

import (
	"errors"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Applier hands decoded secrets to their providers on the dispatcher goroutine.
type Applier struct {
	manager    *secret.Manager
	dispatcher *Dispatcher
	logger     observability.Logger
}

// NewApplier creates an Applier for the providers of manager.
func NewApplier(manager *secret.Manager, dispatcher *Dispatcher, logger observability.Logger) *Applier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Applier{manager: manager, dispatcher: dispatcher, logger: logger}
}

// Apply queues res as the new value of the provider behind t. It reports
// false when res does not carry a secret of t's type or the dispatcher is
// stopped.
func (a *Applier) Apply(t Target, res *config.SecretResource) bool {
	if res == nil {
		return false
	}

	var deliver func() (bool, error)
	switch t.SecretType {
	case secret.TypeTLSCertificate:
		if res.TLSCertificate == nil {
			return false
		}
		value := res.TLSCertificate
		deliver = func() (bool, error) {
			p, ok := a.manager.LookupCertificateProvider(t.Key)
			if !ok {
				return false, nil
			}
			return true, p.Set(value)
		}
	case secret.TypeValidationContext:
		if res.ValidationContext == nil {
			return false
		}
		value := res.ValidationContext
		deliver = func() (bool, error) {
			p, ok := a.manager.LookupValidationContextProvider(t.Key)
			if !ok {
				return false, nil
			}
			return true, p.Set(value)
		}
	default:
		return false
	}

	return a.dispatcher.Submit(func() {
		found, err := deliver()
		fields := []observability.Field{
			observability.Source(t.Key.Source),
			observability.SecretName(t.Key.Name),
			observability.String("type", string(t.SecretType)),
		}
		switch {
		case !found:
			a.logger.Debug("dropping secret for released provider", fields...)
		case errors.Is(err, secret.ErrUpdateRejected):
			a.logger.Warn("secret update rejected", append(fields, observability.Error(err))...)
		case errors.Is(err, secret.ErrProviderClosed):
			a.logger.Debug("dropping secret for closed provider", fields...)
		case err != nil:
			a.logger.Error("failed to deliver secret", append(fields, observability.Error(err))...)
		default:
			a.logger.Debug("secret delivered", fields...)
		}
	})
}

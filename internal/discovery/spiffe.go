package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// DefaultSVIDName selects the default X.509-SVID of the workload.
const DefaultSVIDName = "default"

// X509ContextWatchFunc streams X.509 contexts to watcher until ctx is done.
type X509ContextWatchFunc func(ctx context.Context, watcher workloadapi.X509ContextWatcher) error

// SPIFFEChannel serves X.509-SVIDs and trust bundles from the SPIFFE
// Workload API. Certificate targets are named by SPIFFE ID, or "default"
// for the default SVID. Validation context targets are named by the trust
// domain whose bundle they carry.
type SPIFFEChannel struct {
	opts    options
	applier *Applier
	targets *targetSet
	watch   X509ContextWatchFunc

	mu     sync.Mutex
	latest *workloadapi.X509Context
}

// SPIFFEOption configures a SPIFFEChannel.
type SPIFFEOption func(*SPIFFEChannel)

// WithX509ContextWatch replaces the Workload API stream.
func WithX509ContextWatch(watch X509ContextWatchFunc) SPIFFEOption {
	return func(c *SPIFFEChannel) {
		c.watch = watch
	}
}

// NewSPIFFEChannel creates a SPIFFE channel reading from socketPath. An
// empty socketPath uses SPIFFE_ENDPOINT_SOCKET.
func NewSPIFFEChannel(applier *Applier, socketPath string, spiffeOpts []SPIFFEOption, opts ...Option) *SPIFFEChannel {
	c := &SPIFFEChannel{
		opts:    newOptions(config.SourceKindSPIFFE, opts),
		applier: applier,
		targets: newTargetSet(),
	}
	c.watch = func(ctx context.Context, w workloadapi.X509ContextWatcher) error {
		var clientOpts []workloadapi.ClientOption
		if socketPath != "" {
			clientOpts = append(clientOpts, workloadapi.WithAddr(socketPath))
		}
		return workloadapi.WatchX509Context(ctx, w, clientOpts...)
	}
	for _, opt := range spiffeOpts {
		opt(c)
	}
	return c
}

// Kind returns config.SourceKindSPIFFE.
func (c *SPIFFEChannel) Kind() config.SourceKind { return config.SourceKindSPIFFE }

// Watch starts serving t.
func (c *SPIFFEChannel) Watch(t Target) {
	c.opts.metrics.SetTargets(string(c.Kind()), c.targets.add(t))
}

// Unwatch stops serving t.
func (c *SPIFFEChannel) Unwatch(t Target) {
	c.opts.metrics.SetTargets(string(c.Kind()), c.targets.remove(t))
}

// OnX509ContextUpdate stores the latest context and schedules delivery.
func (c *SPIFFEChannel) OnX509ContextUpdate(x *workloadapi.X509Context) {
	c.mu.Lock()
	c.latest = x
	c.mu.Unlock()

	c.opts.logger.Debug("X.509 context received", observability.Int("svids", len(x.SVIDs)))
	c.targets.signal()
}

// OnX509ContextWatchError logs a stream error. The stream reconnects by itself.
func (c *SPIFFEChannel) OnX509ContextWatchError(err error) {
	c.opts.metrics.RecordFetch(string(c.Kind()), fetchError)
	c.opts.logger.Warn("workload API watch error", observability.Error(err))
}

// Run streams X.509 contexts until ctx is done.
func (c *SPIFFEChannel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.watch(ctx, c)
	}()

	for {
		select {
		case <-ctx.Done():
			<-errCh
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("workload API stream ended: %w", err)
		case <-c.targets.changed:
			c.deliver()
		}
	}
}

func (c *SPIFFEChannel) deliver() {
	c.mu.Lock()
	x := c.latest
	c.mu.Unlock()
	if x == nil {
		return
	}

	kind := string(c.Kind())
	for _, t := range c.targets.snapshot() {
		res, err := resourceFromX509Context(x, t)
		if err != nil {
			c.opts.metrics.RecordFetch(kind, fetchNotFound)
			c.opts.logger.Debug("secret not present in X.509 context",
				observability.SecretName(t.Key.Name),
				observability.Error(err),
			)
			continue
		}
		c.opts.metrics.RecordFetch(kind, fetchSuccess)
		c.applier.Apply(t, res)
	}
}

func resourceFromX509Context(x *workloadapi.X509Context, t Target) (*config.SecretResource, error) {
	switch t.SecretType {
	case secret.TypeTLSCertificate:
		svid := selectSVID(x, t.Key.Name)
		if svid == nil {
			return nil, fmt.Errorf("%w: no SVID %q", ErrSecretNotFound, t.Key.Name)
		}
		certPEM, keyPEM, err := svid.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, svid.ID, err)
		}
		return &config.SecretResource{
			Name: t.Key.Name,
			TLSCertificate: &config.TLSCertificate{
				CertificateChain: &config.DataSource{InlineBytes: certPEM},
				PrivateKey:       &config.DataSource{InlineBytes: keyPEM},
			},
		}, nil

	case secret.TypeValidationContext:
		td, err := spiffeid.TrustDomainFromString(t.Key.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, t.Key.Name, err)
		}
		if x.Bundles == nil {
			return nil, fmt.Errorf("%w: no bundles", ErrSecretNotFound)
		}
		bundle, err := x.Bundles.GetX509BundleForTrustDomain(td)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSecretNotFound, err)
		}
		caPEM, err := bundle.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, td, err)
		}
		return &config.SecretResource{
			Name:              t.Key.Name,
			ValidationContext: &config.CertificateValidationContext{TrustedCA: &config.DataSource{InlineBytes: caPEM}},
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported secret type %q", ErrMalformedSecret, t.SecretType)
}

func selectSVID(x *workloadapi.X509Context, name string) *x509svid.SVID {
	if len(x.SVIDs) == 0 {
		return nil
	}
	if name == DefaultSVIDName {
		return x.DefaultSVID()
	}
	for _, svid := range x.SVIDs {
		if svid.ID.String() == name {
			return svid
		}
	}
	return nil
}

package main

import (
	"crypto/tls"
	"errors"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avatls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// tlsContext is the part of a server or client context an endpoint uses.
type tlsContext interface {
	TLSConfig() (*tls.Config, error)
	SetSecretUpdateCallback(notify func())
	IsReady() bool
	Name() string
	ID() string
	Role() tlspkg.Role
	MinProtocolVersion() uint16
	MaxProtocolVersion() uint16
	ALPNProtocolList() []string
	TLSCertificates() []*tlspkg.TLSCertificateConfig
	Close()
}

// endpoint keeps the crypto/tls configuration of one context current. The
// configuration is rebuilt after every secret update of the context.
type endpoint struct {
	ctx     tlsContext
	logger  observability.Logger
	current atomic.Pointer[tls.Config]
}

func newEndpoint(ctx tlsContext, logger observability.Logger) *endpoint {
	e := &endpoint{
		ctx:    ctx,
		logger: logger.With(observability.String("context", ctx.Name())),
	}
	e.refresh()
	ctx.SetSecretUpdateCallback(e.refresh)
	return e
}

func (e *endpoint) refresh() {
	cfg, err := e.ctx.TLSConfig()
	switch {
	case errors.Is(err, tlspkg.ErrCertificateNotReady):
		e.logger.Debug("waiting for certificate")
		return
	case err != nil:
		e.logger.Error("failed to build TLS config, keeping previous", observability.Error(err))
		return
	}
	e.current.Store(cfg)
	e.logger.Debug("TLS config refreshed")
}

// tlsConfig returns the current configuration, or nil before the first
// certificate arrives.
func (e *endpoint) tlsConfig() *tls.Config {
	return e.current.Load()
}

// getConfigForClient serves the current configuration to each handshake of
// a server endpoint.
func (e *endpoint) getConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	cfg := e.current.Load()
	if cfg == nil {
		return nil, tlspkg.ErrCertificateNotReady
	}
	return cfg, nil
}

func (e *endpoint) close() {
	e.ctx.Close()
}

// endpointStatus is the JSON view of an endpoint.
type endpointStatus struct {
	Name         string              `json:"name"`
	ID           string              `json:"id"`
	Role         string              `json:"role"`
	Ready        bool                `json:"ready"`
	MinVersion   string              `json:"min_version"`
	MaxVersion   string              `json:"max_version"`
	ALPN         []string            `json:"alpn,omitempty"`
	Certificates []certificateStatus `json:"certificates,omitempty"`
}

type certificateStatus struct {
	Subject    string    `json:"subject"`
	NotAfter   time.Time `json:"not_after"`
	OCSPStaple bool      `json:"ocsp_staple"`
}

func (e *endpoint) status() endpointStatus {
	s := endpointStatus{
		Name:       e.ctx.Name(),
		ID:         e.ctx.ID(),
		Role:       string(e.ctx.Role()),
		Ready:      e.ctx.IsReady() && e.current.Load() != nil,
		MinVersion: tlspkg.TLSVersionName(e.ctx.MinProtocolVersion()),
		MaxVersion: tlspkg.TLSVersionName(e.ctx.MaxProtocolVersion()),
		ALPN:       e.ctx.ALPNProtocolList(),
	}
	for _, c := range e.ctx.TLSCertificates() {
		leaf, err := c.Leaf()
		if err != nil {
			continue
		}
		s.Certificates = append(s.Certificates, certificateStatus{
			Subject:    leaf.Subject.String(),
			NotAfter:   leaf.NotAfter,
			OCSPStaple: len(c.OCSPStaple) > 0,
		})
	}
	return s
}

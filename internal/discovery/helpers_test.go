package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	manager    *secret.Manager
	dispatcher *Dispatcher
	applier    *Applier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher()
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})

	m := secret.NewManager()
	return &harness{manager: m, dispatcher: d, applier: NewApplier(m, d, nil)}
}

// attach routes the harness manager's providers to ch and runs it.
func (h *harness) attach(t *testing.T, ch Channel) {
	t.Helper()
	NewRouter(nil, ch).Attach(h.manager)
	runChannel(t, ch)
}

func runChannel(t *testing.T, ch Channel) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

// certificateChain returns the inline chain of p's current value.
func certificateChain(p *secret.CertificateProvider) string {
	v, ok := p.Current()
	if !ok || v == nil || v.CertificateChain == nil {
		return ""
	}
	return string(v.CertificateChain.InlineBytes) + v.CertificateChain.InlineString
}

func trustedCA(p *secret.ValidationContextProvider) string {
	v, ok := p.Current()
	if !ok || v == nil || v.TrustedCA == nil {
		return ""
	}
	return string(v.TrustedCA.InlineBytes) + v.TrustedCA.InlineString
}

func requireCertificateProvider(t *testing.T, m *secret.Manager, src *config.ConfigSource, name string) *secret.CertificateProvider {
	t.Helper()
	p, err := m.FindOrCreateCertificateProvider(src, name)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(p) })
	return p
}

func requireValidationContextProvider(t *testing.T, m *secret.Manager, src *config.ConfigSource, name string) *secret.ValidationContextProvider {
	t.Helper()
	p, err := m.FindOrCreateValidationContextProvider(src, name)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(p) })
	return p
}

// fakeChannel records Watch and Unwatch calls.
type fakeChannel struct {
	kind config.SourceKind
	err  error

	mu      sync.Mutex
	watched map[secret.Key]bool
	events  []string
}

func newFakeChannel(kind config.SourceKind) *fakeChannel {
	return &fakeChannel{kind: kind, watched: make(map[secret.Key]bool)}
}

func (f *fakeChannel) Kind() config.SourceKind { return f.kind }

func (f *fakeChannel) Watch(t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[t.Key] = true
	f.events = append(f.events, "watch "+t.Key.String())
}

func (f *fakeChannel) Unwatch(t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, t.Key)
	f.events = append(f.events, "unwatch "+t.Key.String())
}

func (f *fakeChannel) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

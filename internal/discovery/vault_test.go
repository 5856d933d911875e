package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// fakeKV serves entries from memory. failures makes the next reads of a
// path fail.
type fakeKV struct {
	mu       sync.Mutex
	entries  map[string]map[string]interface{}
	failures map[string]int
	reads    map[string]int
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		entries:  make(map[string]map[string]interface{}),
		failures: make(map[string]int),
		reads:    make(map[string]int),
	}
}

func (f *fakeKV) put(mount, path string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[mount+"|"+path] = data
}

func (f *fakeKV) ReadKV(_ context.Context, mount, path string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mount + "|" + path
	f.reads[key]++
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, errors.New("connection refused")
	}
	data, ok := f.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return data, nil
}

func (f *fakeKV) readCount(mount, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[mount+"|"+path]
}

func TestNewVaultChannel_RequiresReader(t *testing.T) {
	t.Parallel()

	_, err := NewVaultChannel(nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrChannelNotConfigured)
}

func TestVaultPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{"", "server", "server"},
		{"tls", "server", "tls/server"},
		{"/tls/edge/", "server", "tls/edge/server"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, vaultPath(tt.prefix, tt.name))
	}
}

func TestVaultChannel_PollsAndRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	kv := newFakeKV()
	kv.put("secret", "tls/server", map[string]interface{}{
		"certificate_chain": "CHAIN-1",
		"private_key":       "KEY-1",
	})
	kv.put("secret", "tls/ca", map[string]interface{}{"trusted_ca": "ROOTS-1"})
	kv.failures["secret|tls/server"] = 2

	metrics := NewMetrics("test")
	ch, err := NewVaultChannel(kv, h.applier, 50*time.Millisecond, WithMetrics(metrics))
	require.NoError(t, err)
	ch.backoff.Initial = time.Millisecond
	ch.backoff.Max = time.Millisecond
	h.attach(t, ch)

	src := &config.ConfigSource{Vault: &config.VaultSource{Mount: "/secret/", Path: "tls"}}
	cert := requireCertificateProvider(t, h.manager, src, "server")
	ca := requireValidationContextProvider(t, h.manager, src, "ca")

	require.Eventually(t, func() bool {
		return certificateChain(cert) == "CHAIN-1" && trustedCA(ca) == "ROOTS-1"
	}, waitFor, tick)
	assert.GreaterOrEqual(t, kv.readCount("secret", "tls/server"), 3)

	kv.put("secret", "tls/server", map[string]interface{}{
		"certificate_chain": "CHAIN-2",
		"private_key":       "KEY-2",
	})
	require.Eventually(t, func() bool { return certificateChain(cert) == "CHAIN-2" }, waitFor, tick)
	assert.Positive(t, testutil.ToFloat64(metrics.fetchesTotal.WithLabelValues("vault", fetchSuccess)))
}

func TestVaultChannel_NotFoundAndMalformed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	kv := newFakeKV()
	kv.put("secret", "broken", map[string]interface{}{"certificate_chain": "CHAIN"})

	metrics := NewMetrics("test")
	ch, err := NewVaultChannel(kv, h.applier, time.Hour, WithMetrics(metrics))
	require.NoError(t, err)
	h.attach(t, ch)

	src := &config.ConfigSource{Vault: &config.VaultSource{Mount: "secret"}}
	absent := requireCertificateProvider(t, h.manager, src, "absent")
	broken := requireCertificateProvider(t, h.manager, src, "broken")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.fetchesTotal.WithLabelValues("vault", fetchNotFound)) >= 1 &&
			testutil.ToFloat64(metrics.fetchesTotal.WithLabelValues("vault", fetchError)) >= 1
	}, waitFor, tick)

	_, ok := absent.Current()
	assert.False(t, ok)
	_, ok = broken.Current()
	assert.False(t, ok)
}

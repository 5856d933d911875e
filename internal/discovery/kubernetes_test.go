package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

func newFakeKubernetesClient(t *testing.T, objects ...runtime.Object) client.Client {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithRuntimeObjects(objects...).
		Build()
}

func TestNewKubernetesChannel_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewKubernetesChannel(nil, nil, time.Second)
	assert.ErrorIs(t, err, ErrChannelNotConfigured)
}

func TestKubernetesChannel_Fetch(t *testing.T) {
	t.Parallel()

	c := newFakeKubernetesClient(t, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "edge", Namespace: "ingress"},
		Type:       corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte("CHAIN"),
			corev1.TLSPrivateKeyKey: []byte("KEY"),
		},
		StringData: map[string]string{"password": "p"},
	})
	ch, err := NewKubernetesChannel(c, nil, time.Second)
	require.NoError(t, err)

	src := config.ConfigSource{Kubernetes: &config.KubernetesSource{Namespace: "ingress"}}

	tests := []struct {
		name    string
		target  Target
		want    map[string][]byte
		wantErr error
	}{
		{
			name:   "existing secret",
			target: Target{Key: secret.Key{Source: src.Key(), Name: "edge"}, Source: src},
			want:   map[string][]byte{"tls.crt": []byte("CHAIN"), "tls.key": []byte("KEY")},
		},
		{
			name:    "missing secret",
			target:  Target{Key: secret.Key{Source: src.Key(), Name: "other"}, Source: src},
			wantErr: ErrSecretNotFound,
		},
		{
			name:    "wrong source",
			target:  Target{Key: secret.Key{Source: src.Key(), Name: "edge"}},
			wantErr: ErrChannelNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ch.fetch(context.Background(), tt.target)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}
		})
	}
}

func TestKubernetesChannel_PollsUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "edge", Namespace: "ingress"},
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte("CHAIN-1"),
			corev1.TLSPrivateKeyKey: []byte("KEY-1"),
		},
	}
	roots := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "roots", Namespace: "ingress"},
		Data:       map[string][]byte{"ca.crt": []byte("ROOTS-1")},
	}
	c := newFakeKubernetesClient(t, secret, roots)

	ch, err := NewKubernetesChannel(c, h.applier, 50*time.Millisecond)
	require.NoError(t, err)
	h.attach(t, ch)

	src := &config.ConfigSource{Kubernetes: &config.KubernetesSource{Namespace: "ingress"}}
	cert := requireCertificateProvider(t, h.manager, src, "edge")
	ca := requireValidationContextProvider(t, h.manager, src, "roots")

	require.Eventually(t, func() bool {
		return certificateChain(cert) == "CHAIN-1" && trustedCA(ca) == "ROOTS-1"
	}, waitFor, tick)

	var current corev1.Secret
	require.NoError(t, c.Get(context.Background(), client.ObjectKeyFromObject(secret), &current))
	current.Data[corev1.TLSCertKey] = []byte("CHAIN-2")
	require.NoError(t, c.Update(context.Background(), &current))

	require.Eventually(t, func() bool { return certificateChain(cert) == "CHAIN-2" }, waitFor, tick)
}

package discovery

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// NewKubernetesClient creates a client for Secrets using the in-cluster
// configuration or the local kubeconfig.
func NewKubernetesClient() (client.Client, error) {
	restConfig, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to build kubernetes scheme: %w", err)
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return c, nil
}

// KubernetesChannel polls Secret objects. A target named n with source
// {namespace: ns} is read from the Secret ns/n.
type KubernetesChannel struct {
	*poller
	client client.Client
}

// NewKubernetesChannel creates a Kubernetes channel over c.
func NewKubernetesChannel(c client.Client, applier *Applier, interval time.Duration, opts ...Option) (*KubernetesChannel, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: kubernetes client is required", ErrChannelNotConfigured)
	}
	ch := &KubernetesChannel{client: c}
	ch.poller = newPoller(config.SourceKindKubernetes, applier, interval, ch.fetch, opts)
	return ch, nil
}

func (c *KubernetesChannel) fetch(ctx context.Context, t Target) (map[string][]byte, error) {
	src := t.Source.Kubernetes
	if src == nil {
		return nil, fmt.Errorf("%w: target %s has no kubernetes source", ErrChannelNotConfigured, t.Key)
	}

	var s corev1.Secret
	key := client.ObjectKey{Namespace: src.Namespace, Name: t.Key.Name}
	if err := c.client.Get(ctx, key, &s); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return nil, fmt.Errorf("failed to get secret %s: %w", key, err)
	}

	data := make(map[string][]byte, len(s.Data)+len(s.StringData))
	for k, v := range s.StringData {
		data[k] = []byte(v)
	}
	for k, v := range s.Data {
		data[k] = v
	}
	return data, nil
}

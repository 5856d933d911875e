package discovery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// KVReader reads KV v2 entries.
type KVReader interface {
	ReadKV(ctx context.Context, mount, path string) (map[string]interface{}, error)
}

// vaultKV implements KVReader with the Vault API client.
type vaultKV struct {
	client *vaultapi.Client
}

// NewVaultKVReader creates a KVReader for the Vault server described by cfg.
// An empty address falls back to VAULT_ADDR.
func NewVaultKVReader(cfg config.VaultDiscovery) (KVReader, error) {
	vcfg := vaultapi.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", vcfg.Error)
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return &vaultKV{client: client}, nil
}

// ReadKV reads the latest version of mount/path.
func (v *vaultKV) ReadKV(ctx context.Context, mount, p string) (map[string]interface{}, error) {
	s, err := v.client.KVv2(mount).Get(ctx, p)
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrSecretNotFound, mount, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", mount, p, err)
	}
	if s == nil || s.Data == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSecretNotFound, mount, p)
	}
	return s.Data, nil
}

// VaultChannel polls Vault KV v2 for secrets. A target named n with
// source {mount: m, path: p} is read from m at p/n.
type VaultChannel struct {
	*poller
	reader KVReader
}

// NewVaultChannel creates a Vault channel over reader.
func NewVaultChannel(reader KVReader, applier *Applier, interval time.Duration, opts ...Option) (*VaultChannel, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: vault reader is required", ErrChannelNotConfigured)
	}
	c := &VaultChannel{reader: reader}
	c.poller = newPoller(config.SourceKindVault, applier, interval, c.fetch, opts)
	return c, nil
}

func (c *VaultChannel) fetch(ctx context.Context, t Target) (map[string][]byte, error) {
	src := t.Source.Vault
	if src == nil {
		return nil, fmt.Errorf("%w: target %s has no vault source", ErrChannelNotConfigured, t.Key)
	}
	data, err := c.reader.ReadKV(ctx, strings.Trim(src.Mount, "/"), vaultPath(src.Path, t.Key.Name))
	if err != nil {
		return nil, err
	}
	return stringMapToBytes(data), nil
}

func vaultPath(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

// SecretFile is the document format served by the file channel.
type SecretFile struct {
	Resources []config.SecretResource `yaml:"resources"`
}

// LoadSecretFile reads and validates a secret file.
func LoadSecretFile(path string) (*SecretFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	var doc SecretFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, path, err)
	}
	for i := range doc.Resources {
		if err := doc.Resources[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: resources[%d]: %w", ErrMalformedSecret, path, i, err)
		}
	}
	return &doc, nil
}

// FileChannel serves secrets from YAML files named by the path of each
// config source. The directories of watched files are observed with
// fsnotify so that atomic renames are seen.
type FileChannel struct {
	opts     options
	applier  *Applier
	targets  *targetSet
	debounce time.Duration
}

// NewFileChannel creates a file channel. A non-positive debounce uses
// config.DefaultDebounce.
func NewFileChannel(applier *Applier, debounce time.Duration, opts ...Option) *FileChannel {
	if debounce <= 0 {
		debounce = config.DefaultDebounce
	}
	return &FileChannel{
		opts:     newOptions(config.SourceKindFile, opts),
		applier:  applier,
		targets:  newTargetSet(),
		debounce: debounce,
	}
}

// Kind returns config.SourceKindFile.
func (c *FileChannel) Kind() config.SourceKind { return config.SourceKindFile }

// Watch starts serving t.
func (c *FileChannel) Watch(t Target) {
	c.opts.metrics.SetTargets(string(c.Kind()), c.targets.add(t))
}

// Unwatch stops serving t.
func (c *FileChannel) Unwatch(t Target) {
	c.opts.metrics.SetTargets(string(c.Kind()), c.targets.remove(t))
}

// Run watches the secret files until ctx is done. Files named by a
// resource's filename data sources are watched too, and their content is
// inlined before delivery so that a rewrite reaches the provider.
func (c *FileChannel) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := make(map[string]bool)
	files := make(map[string]bool)

	watch := func(paths []string) {
		files = make(map[string]bool, len(paths))
		wanted := make(map[string]bool)
		for _, p := range paths {
			abs := absPath(p)
			files[abs] = true
			wanted[filepath.Dir(abs)] = true
		}
		for dir := range wanted {
			if dirs[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				c.opts.logger.Error("failed to watch secret directory",
					observability.String("path", dir),
					observability.Error(err),
				)
				continue
			}
			dirs[dir] = true
		}
		for dir := range dirs {
			if !wanted[dir] {
				_ = watcher.Remove(dir)
				delete(dirs, dir)
			}
		}
	}

	// resync reads every file and updates the watch set before applying, so
	// a value observed by a provider is already covered by the watcher.
	resync := func() {
		targets := c.targets.snapshot()
		pending, refs := c.resolve(targets)
		paths := make([]string, 0, len(targets)+len(refs))
		for _, t := range targets {
			paths = append(paths, t.Source.Path)
		}
		watch(append(paths, refs...))
		c.apply(pending)
	}

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	resync()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.targets.changed:
			resync()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(event.Name)] || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.opts.logger.Debug("secret file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(c.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			resync()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.opts.logger.Error("secret file watcher error", observability.Error(err))
		}
	}
}

// pendingSecret is a resource resolved for a target. res is nil when the
// file does not carry the named resource.
type pendingSecret struct {
	target Target
	path   string
	res    *config.SecretResource
}

// resolve reads each secret file once and returns the resources named by
// targets, with referenced files inlined, and every referenced file path.
func (c *FileChannel) resolve(targets []Target) ([]pendingSecret, []string) {
	byPath := make(map[string][]Target)
	for _, t := range targets {
		byPath[t.Source.Path] = append(byPath[t.Source.Path], t)
	}

	kind := string(c.Kind())
	var pending []pendingSecret
	var refs []string
	for path, group := range byPath {
		doc, err := LoadSecretFile(path)
		if err != nil {
			c.opts.metrics.RecordFetch(kind, fetchError)
			c.opts.logger.Error("failed to load secret file",
				observability.String("path", path),
				observability.Error(err),
			)
			continue
		}

		byName := make(map[string]*config.SecretResource, len(doc.Resources))
		for i := range doc.Resources {
			byName[doc.Resources[i].Name] = &doc.Resources[i]
		}
		for _, t := range group {
			res := byName[t.Key.Name]
			if res != nil {
				inlined, referenced, err := inlineResource(res)
				refs = append(refs, referenced...)
				if err != nil {
					c.opts.metrics.RecordFetch(kind, fetchError)
					c.opts.logger.Error("failed to read file referenced by secret",
						observability.String("path", path),
						observability.SecretName(t.Key.Name),
						observability.Error(err),
					)
					continue
				}
				res = inlined
			}
			pending = append(pending, pendingSecret{target: t, path: path, res: res})
		}
	}
	return pending, refs
}

func (c *FileChannel) apply(pending []pendingSecret) {
	kind := string(c.Kind())
	for _, p := range pending {
		if p.res == nil || !c.applier.Apply(p.target, p.res) {
			c.opts.metrics.RecordFetch(kind, fetchNotFound)
			c.opts.logger.Debug("secret not present in file",
				observability.String("path", p.path),
				observability.SecretName(p.target.Key.Name),
				observability.String("type", string(p.target.SecretType)),
			)
			continue
		}
		c.opts.metrics.RecordFetch(kind, fetchSuccess)
	}
}

// inlineResource returns a copy of res whose filename data sources carry
// the file content as inline_bytes, and the names of the files it read.
// Empty files keep their filename so the consumer reports them by path.
func inlineResource(res *config.SecretResource) (*config.SecretResource, []string, error) {
	out := &config.SecretResource{Name: res.Name}
	var sources []**config.DataSource
	if res.TLSCertificate != nil {
		cert := *res.TLSCertificate
		out.TLSCertificate = &cert
		sources = append(sources, &cert.CertificateChain, &cert.PrivateKey, &cert.Password, &cert.OCSPStaple)
	}
	if res.ValidationContext != nil {
		vc := *res.ValidationContext
		out.ValidationContext = &vc
		sources = append(sources, &vc.TrustedCA, &vc.CRL)
	}

	var referenced []string
	for _, ds := range sources {
		if *ds == nil || (*ds).Filename == "" {
			continue
		}
		referenced = append(referenced, (*ds).Filename)
		data, err := config.ReadDataSource(*ds, true)
		if err != nil {
			return nil, referenced, err
		}
		if len(data) > 0 {
			*ds = &config.DataSource{InlineBytes: data}
		}
	}
	return out, referenced, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

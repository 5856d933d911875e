package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/retry"
)

// DefaultFetchAttempts is the number of tries a polling channel makes per
// target and poll.
const DefaultFetchAttempts = 3

// fetchFunc reads the raw key/value data of one target. It returns an
// error wrapping ErrSecretNotFound when the backend has no such entry.
type fetchFunc func(ctx context.Context, t Target) (map[string][]byte, error)

// poller is the shared loop of the Vault and Kubernetes channels: every
// target is fetched on start, whenever a target is added and on each tick.
type poller struct {
	kind     config.SourceKind
	opts     options
	applier  *Applier
	targets  *targetSet
	interval time.Duration
	backoff  retry.Backoff
	attempts int
	fetch    fetchFunc
}

func newPoller(kind config.SourceKind, applier *Applier, interval time.Duration, fetch fetchFunc, opts []Option) *poller {
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return &poller{
		kind:     kind,
		opts:     newOptions(kind, opts),
		applier:  applier,
		targets:  newTargetSet(),
		interval: interval,
		backoff:  retry.Backoff{Initial: 200 * time.Millisecond, Max: interval / 2},
		attempts: DefaultFetchAttempts,
		fetch:    fetch,
	}
}

// Kind returns the config source kind served.
func (p *poller) Kind() config.SourceKind { return p.kind }

// Watch starts serving t.
func (p *poller) Watch(t Target) {
	p.opts.metrics.SetTargets(string(p.kind), p.targets.add(t))
}

// Unwatch stops serving t.
func (p *poller) Unwatch(t Target) {
	p.opts.metrics.SetTargets(string(p.kind), p.targets.remove(t))
}

// Run polls until ctx is done.
func (p *poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.targets.changed:
			p.pollAll(ctx)
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *poller) pollAll(ctx context.Context) {
	for _, t := range p.targets.snapshot() {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx, t)
	}
}

func (p *poller) poll(ctx context.Context, t Target) {
	kind := string(p.kind)
	fields := []observability.Field{
		observability.Source(t.Key.Source),
		observability.SecretName(t.Key.Name),
	}

	var data map[string][]byte
	notFound := false
	err := retry.Do(ctx, p.backoff, p.attempts, func(ctx context.Context) error {
		d, err := p.fetch(ctx, t)
		if errors.Is(err, ErrSecretNotFound) {
			notFound = true
			return nil
		}
		data = d
		return err
	}, func(attempt int, err error, wait time.Duration) {
		p.opts.logger.Debug("retrying secret fetch", append(fields,
			observability.Int("attempt", attempt),
			observability.Duration("wait", wait),
			observability.Error(err),
		)...)
	})

	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		p.opts.metrics.RecordFetch(kind, fetchError)
		p.opts.logger.Error("failed to fetch secret", append(fields, observability.Error(err))...)
		return
	case notFound:
		p.opts.metrics.RecordFetch(kind, fetchNotFound)
		p.opts.logger.Debug("secret not found", fields...)
		return
	}

	res, err := resourceFromData(t.SecretType, t.Key.Name, data)
	if err != nil {
		p.opts.metrics.RecordFetch(kind, fetchError)
		p.opts.logger.Error("failed to decode secret", append(fields, observability.Error(err))...)
		return
	}
	p.opts.metrics.RecordFetch(kind, fetchSuccess)
	p.applier.Apply(t, res)
}

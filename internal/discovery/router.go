package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Router forwards provider lifecycle events from a secret.Manager to the
// channel registered for the event's config source kind.
type Router struct {
	logger   observability.Logger
	channels map[config.SourceKind]Channel
}

// NewRouter creates a Router over channels. A later channel of the same
// kind replaces an earlier one.
func NewRouter(logger observability.Logger, channels ...Channel) *Router {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Router{
		logger:   logger,
		channels: make(map[config.SourceKind]Channel, len(channels)),
	}
	for _, ch := range channels {
		r.channels[ch.Kind()] = ch
	}
	return r
}

// Attach subscribes the router to m. Providers that already exist are
// replayed as created.
func (r *Router) Attach(m *secret.Manager) {
	m.Subscribe(r.Handle)
}

// Handle routes one provider event.
func (r *Router) Handle(ev secret.Event) {
	kind := ev.Source.Kind()
	ch, ok := r.channels[kind]
	if !ok {
		r.logger.Warn("no discovery channel for config source",
			observability.Source(ev.Key.Source),
			observability.SecretName(ev.Key.Name),
			observability.String("kind", string(kind)),
		)
		return
	}

	t := Target{SecretType: ev.SecretType, Key: ev.Key, Source: ev.Source}
	switch ev.Type {
	case secret.ProviderCreated:
		ch.Watch(t)
	case secret.ProviderReleased:
		ch.Unwatch(t)
	}
}

// Run runs every channel until ctx is done. The first channel error
// cancels the others.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind, ch := range r.channels {
		g.Go(func() error {
			r.logger.Info("discovery channel started", observability.String("kind", string(kind)))
			err := ch.Run(ctx)
			r.logger.Info("discovery channel stopped", observability.String("kind", string(kind)))
			return err
		})
	}
	return g.Wait()
}

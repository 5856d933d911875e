package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Target is one dynamic secret a channel must deliver.
type Target struct {
	SecretType secret.Type
	Key        secret.Key
	Source     config.ConfigSource
}

// Channel delivers dynamic secrets for one config source kind.
// Watch and Unwatch must not block.
type Channel interface {
	Kind() config.SourceKind
	Watch(t Target)
	Unwatch(t Target)
	Run(ctx context.Context) error
}

type targetID struct {
	secretType secret.Type
	key        secret.Key
}

// targetSet is the set of targets a channel serves. changed is signalled
// (without blocking) whenever a target is added.
type targetSet struct {
	mu      sync.Mutex
	items   map[targetID]Target
	changed chan struct{}
}

func newTargetSet() *targetSet {
	return &targetSet{
		items:   make(map[targetID]Target),
		changed: make(chan struct{}, 1),
	}
}

func (s *targetSet) add(t Target) int {
	s.mu.Lock()
	s.items[targetID{t.SecretType, t.Key}] = t
	n := len(s.items)
	s.mu.Unlock()
	s.signal()
	return n
}

func (s *targetSet) remove(t Target) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, targetID{t.SecretType, t.Key})
	return len(s.items)
}

func (s *targetSet) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// snapshot returns the targets ordered by key.
func (s *targetSet) snapshot() []Target {
	s.mu.Lock()
	out := make([]Target, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].SecretType < out[j].SecretType
	})
	return out
}

// Option is a functional option shared by all channels.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics Recorder
}

// WithLogger sets the logger for a channel.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder for a channel.
func WithMetrics(metrics Recorder) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

func newOptions(kind config.SourceKind, opts []Option) options {
	o := options{
		logger:  observability.NopLogger(),
		metrics: NopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(observability.String("channel", string(kind)))
	return o
}

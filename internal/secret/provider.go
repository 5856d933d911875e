package secret

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// Kind distinguishes static providers from dynamic ones.
type Kind int

// Provider kinds.
const (
	// KindStatic providers hold a value fixed at construction.
	KindStatic Kind = iota
	// KindDynamic providers are updated by a discovery channel.
	KindDynamic
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindDynamic {
		return "dynamic"
	}
	return "static"
}

// Type identifies the secret payload carried by a provider.
type Type string

// Secret types.
const (
	TypeTLSCertificate    Type = "tls_certificate"
	TypeValidationContext Type = "validation_context"
)

// Key identifies a dynamic provider: the canonical config source key and the secret name.
type Key struct {
	Source string
	Name   string
}

// String returns "source/name".
func (k Key) String() string {
	return k.Source + "/" + k.Name
}

// Provider holds the current value of one secret. Static providers never
// change. Dynamic providers are updated by Set, which runs validation
// callbacks first and update callbacks after the value is stored.
//
// Updates to one provider are serialized: every callback of an update
// completes before the next update starts. Callbacks must not call Set on
// the same provider.
type Provider[T any] struct {
	kind       Kind
	secretType Type
	key        Key
	metrics    Recorder

	setMu sync.Mutex

	mu         sync.RWMutex
	value      T
	present    bool
	closed     bool
	nextID     uint64
	updates    []*subscription[func()]
	validators []*subscription[func(T) error]
}

// subscription is one registered callback. running is held while fn
// executes so that removal can wait for an in-flight call.
type subscription[F any] struct {
	id      uint64
	fn      F
	removed atomic.Bool
	running sync.Mutex
}

// invoke calls do unless the subscription was removed. It reports whether
// do ran.
func (s *subscription[F]) invoke(do func(F)) bool {
	s.running.Lock()
	defer s.running.Unlock()
	if s.removed.Load() {
		return false
	}
	do(s.fn)
	return true
}

// cancel marks the subscription removed and waits for an in-flight call.
func (s *subscription[F]) cancel() {
	s.removed.Store(true)
	s.running.Lock()
	s.running.Unlock() //nolint:staticcheck // empty critical section waits for invoke
}

// CertificateProvider provides TLS certificates.
type CertificateProvider = Provider[*config.TLSCertificate]

// ValidationContextProvider provides certificate validation contexts.
type ValidationContextProvider = Provider[*config.CertificateValidationContext]

// NewStaticProvider returns a static provider holding value.
func NewStaticProvider[T any](secretType Type, name string, value T) *Provider[T] {
	return &Provider[T]{
		kind:       KindStatic,
		secretType: secretType,
		key:        Key{Name: name},
		value:      value,
		present:    true,
		metrics:    NopMetrics{},
	}
}

// NewDynamicProvider returns an empty dynamic provider identified by key.
func NewDynamicProvider[T any](secretType Type, key Key, metrics Recorder) *Provider[T] {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Provider[T]{
		kind:       KindDynamic,
		secretType: secretType,
		key:        key,
		metrics:    metrics,
	}
}

// Kind returns the provider kind.
func (p *Provider[T]) Kind() Kind { return p.kind }

// SecretType returns the type of secret carried.
func (p *Provider[T]) SecretType() Type { return p.secretType }

// Key returns the provider key. Static providers have an empty source.
func (p *Provider[T]) Key() Key { return p.key }

// Current returns the stored value and whether one is present.
func (p *Provider[T]) Current() (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.present
}

// OnUpdate registers fn to run after each accepted update. The callback of a
// static provider never fires.
func (p *Provider[T]) OnUpdate(fn func()) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := &subscription[func()]{id: p.nextID, fn: fn}
	p.updates = append(p.updates, sub)

	return newHandle(func() {
		sub.cancel()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.updates = removeSubscription(p.updates, sub.id)
	})
}

// OnValidate registers fn to run before each update is stored. A non-nil
// error rejects the update.
func (p *Provider[T]) OnValidate(fn func(T) error) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := &subscription[func(T) error]{id: p.nextID, fn: fn}
	p.validators = append(p.validators, sub)

	return newHandle(func() {
		sub.cancel()
		p.mu.Lock()
		defer p.mu.Unlock()
		p.validators = removeSubscription(p.validators, sub.id)
	})
}

// Set stores value and notifies update callbacks. A value deeply equal to
// the current one is ignored. Only discovery channels call Set.
func (p *Provider[T]) Set(value T) error {
	if p.kind == KindStatic {
		return ErrStaticProvider
	}

	p.setMu.Lock()
	defer p.setMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	unchanged := p.present && reflect.DeepEqual(p.value, value)
	validators := append([]*subscription[func(T) error](nil), p.validators...)
	p.mu.RUnlock()

	if closed {
		return fmt.Errorf("%w: %s", ErrProviderClosed, p.key)
	}
	if unchanged {
		p.metrics.RecordUpdate(p.secretType, ResultUnchanged)
		return nil
	}

	for _, v := range validators {
		var err error
		v.invoke(func(fn func(T) error) { err = fn(value) })
		if err != nil {
			p.metrics.RecordUpdate(p.secretType, ResultRejected)
			return fmt.Errorf("%w: %s: %w", ErrUpdateRejected, p.key, err)
		}
	}

	p.mu.Lock()
	p.value = value
	p.present = true
	updates := append([]*subscription[func()](nil), p.updates...)
	p.mu.Unlock()

	p.metrics.RecordUpdate(p.secretType, ResultApplied)

	for _, u := range updates {
		u.invoke(func(fn func()) { fn() })
	}
	return nil
}

// SubscriberCount returns the number of registered update and validation callbacks.
func (p *Provider[T]) SubscriberCount() (updates, validators int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.updates), len(p.validators)
}

func (p *Provider[T]) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func removeSubscription[F any](subs []*subscription[F], id uint64) []*subscription[F] {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	for i := len(out); i < len(subs); i++ {
		subs[i] = nil
	}
	return out
}

// Handle revokes a callback registration. Remove is synchronous and
// idempotent: it waits for a call already in progress, and after it returns
// the callback is never invoked again. A callback must not remove its own
// handle.
type Handle struct {
	once   sync.Once
	remove func()
}

func newHandle(remove func()) *Handle {
	return &Handle{remove: remove}
}

// Remove deregisters the callback. A nil Handle is a no-op.
func (h *Handle) Remove() {
	if h == nil {
		return
	}
	h.once.Do(h.remove)
}

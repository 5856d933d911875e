package discovery

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// DefaultQueueSize is the number of pending deliveries a Dispatcher buffers.
const DefaultQueueSize = 256

// Dispatcher runs submitted functions one at a time on a single goroutine.
type Dispatcher struct {
	logger observability.Logger
	queue  chan func()

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// DispatcherOption is a functional option for configuring the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithQueueSize sets the number of buffered deliveries.
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queue = make(chan func(), size)
		}
	}
}

// NewDispatcher creates a Dispatcher. Call Run to start processing.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:   observability.NopLogger(),
		queue:    make(chan func(), DefaultQueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit queues fn. It blocks while the queue is full and reports false
// once the dispatcher is stopped.
func (d *Dispatcher) Submit(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- fn:
		return true
	case <-d.done:
		return false
	}
}

// Flush waits until every function submitted before the call has run.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ran := make(chan struct{})
	if !d.Submit(func() { close(ran) }) {
		return ErrDispatcherStopped
	}
	select {
	case <-ran:
		return nil
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted functions until ctx is done or Stop is called.
// Pending functions are dropped on exit.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	if d.running || d.isStopped() {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	defer close(d.finished)
	defer d.shutdown()

	d.logger.Debug("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatcher stopped due to context cancellation")
			return
		case <-d.done:
			d.logger.Debug("dispatcher stopped")
			return
		case fn := <-d.queue:
			d.run(fn)
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("secret delivery panicked", observability.Any("panic", r))
		}
	}()
	fn()
}

func (d *Dispatcher) isStopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) shutdown() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Stop ends Run and waits for it to return. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	d.shutdown()
	if running {
		<-d.finished
	}
}

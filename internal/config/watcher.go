package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// BootstrapCallback receives every bootstrap that loaded and validated.
type BootstrapCallback func(*Bootstrap)

// ErrorCallback receives watch and reload failures.
type ErrorCallback func(error)

// Watcher reloads the bootstrap file when it changes on disk. Writes that
// leave the content unchanged are ignored.
type Watcher struct {
	path          string
	fsw           *fsnotify.Watcher
	callback      BootstrapCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu     sync.Mutex
	last   *Bootstrap
	digest [sha256.Size]byte
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for writes to settle.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDelay = delay }
}

// WithLogger sets the watcher logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithErrorCallback sets the failure callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) { w.errorCallback = callback }
}

// NewWatcher creates a watcher for the bootstrap at path. Nothing is read
// until Start or ForceReload.
func NewWatcher(path string, callback BootstrapCallback, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:          abs,
		fsw:           fsw,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the bootstrap and watches its directory, so atomic renames
// over the file are seen. The initial load does not invoke the callback.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return nil
	}

	data, b, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.last = b
	w.digest = sha256.Sum256(data)

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("watching bootstrap file", observability.String("path", w.path))
	return nil
}

// Stop ends the watch loop and releases the file watcher. It is safe to call
// more than once and without Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.closeOnce.Do(func() { w.closeErr = w.fsw.Close() })
	return w.closeErr
}

// Last returns the most recent bootstrap that loaded successfully.
func (w *Watcher) Last() *Bootstrap {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// ForceReload loads the bootstrap now and invokes the callback, whether or
// not the content changed.
func (w *Watcher) ForceReload() error {
	data, b, err := w.load()
	if err != nil {
		return err
	}
	w.store(data, b)
	if w.callback != nil {
		w.callback(b)
	}
	return nil
}

func (w *Watcher) load() ([]byte, *Bootstrap, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", w.path, err)
	}
	b, err := ParseBootstrap(data)
	if err != nil {
		return nil, nil, err
	}
	return data, b, nil
}

func (w *Watcher) store(data []byte, b *Bootstrap) {
	w.mu.Lock()
	w.last = b
	w.digest = sha256.Sum256(data)
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("bootstrap watcher stopped")
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path ||
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("bootstrap file event",
				observability.String("op", event.Op.String()),
			)
			timer.Reset(w.debounceDelay)

		case <-timer.C:
			w.onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail("bootstrap watcher error", err)
		}
	}
}

func (w *Watcher) onChange() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.fail("failed to read bootstrap", err)
		return
	}

	w.mu.Lock()
	unchanged := sha256.Sum256(data) == w.digest
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("bootstrap content unchanged")
		return
	}

	b, err := ParseBootstrap(data)
	if err != nil {
		w.fail("failed to reload bootstrap", err)
		return
	}
	w.store(data, b)
	w.logger.Info("bootstrap reloaded", observability.String("path", w.path))
	if w.callback != nil {
		w.callback(b)
	}
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

package config

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avaserve/internal/observability"
)

// DefaultDebounceDelay is how long the watcher waits for a burst of file
// events to settle before notifying.
const DefaultDebounceDelay = 100 * time.Millisecond

// ChangeCallback is called with the files that changed once a burst of
// events has settled.
type ChangeCallback func(changed []string)

// ErrorCallback is called when the underlying file watcher reports an error.
type ErrorCallback func(error)

// Watcher watches every file that took part in the last load, imports
// included, and reports changes after a debounce delay. Directories are
// watched rather than files so that editors replacing a file by rename
// are noticed.
type Watcher struct {
	watcher       *fsnotify.Watcher
	callback      ChangeCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu      sync.Mutex
	files   map[string]struct{}
	dirs    map[string]struct{}
	pending map[string]struct{}

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(callback ChangeCallback, opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:       fsWatcher,
		callback:      callback,
		debounceDelay: DefaultDebounceDelay,
		logger:        observability.NopLogger(),
		files:         make(map[string]struct{}),
		dirs:          make(map[string]struct{}),
		pending:       make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// SetFiles replaces the watched file set. It is called after every
// successful load so that added or removed imports are tracked.
func (w *Watcher) SetFiles(files []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	newFiles := make(map[string]struct{}, len(files))
	newDirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		newFiles[abs] = struct{}{}
		newDirs[filepath.Dir(abs)] = struct{}{}
	}

	for dir := range newDirs {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	for dir := range w.dirs {
		if _, ok := newDirs[dir]; !ok {
			_ = w.watcher.Remove(dir)
		}
	}

	w.files = newFiles
	w.dirs = newDirs

	w.logger.Debug("watching configuration files",
		observability.Int("files", len(newFiles)),
		observability.Int("directories", len(newDirs)),
	)
	return nil
}

// Files returns the watched files, sorted.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Start begins watching in a background goroutine. The loop ends when
// ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	w.logger.Info("started watching configuration", observability.Int("files", len(w.files)))
	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.stoppedCh
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stoppedCh)

	// Every relevant event pushes the deadline back; the callback fires
	// once the files have been quiet for debounceDelay.
	settle := time.NewTimer(w.debounceDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher stopped", observability.Error(ctx.Err()))
			return
		case <-w.stopCh:
			w.logger.Debug("config watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.record(event) {
				settle.Reset(w.debounceDelay)
			}
		case <-settle.C:
			w.flush()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// record marks the event's file as pending when it is one of the watched
// files and the operation may have changed its content.
func (w *Watcher) record(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(event.Name)

	w.mu.Lock()
	_, watched := w.files[name]
	if watched {
		w.pending[name] = struct{}{}
	}
	w.mu.Unlock()

	if watched {
		w.logger.Debug("config file changed",
			observability.String("path", name),
			observability.String("op", event.Op.String()),
		)
	}
	return watched
}

func (w *Watcher) flush() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for f := range w.pending {
		changed = append(changed, f)
	}
	clear(w.pending)
	w.mu.Unlock()

	if len(changed) == 0 || w.callback == nil {
		return
	}
	sort.Strings(changed)
	w.callback(changed)
}

func (w *Watcher) reportError(err error) {
	w.logger.Error("config watcher error", observability.Error(err))
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

package static

import (
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a Server's catalog when its fixture directory changes and
// signals the change through the ToolListUpdater and ResourceListUpdater
// interfaces. Filesystem events are debounced, so an editor save touching
// several files produces one reload and one notification.
type Watcher struct {
	srv      *Server
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	toolUpdates     chan struct{}
	resourceUpdates chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// WatcherOption represents the options for the Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the Watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger.With(slog.String("package", "servers/static"))
	}
}

// WithDebounce sets the quiet period after the last filesystem event before
// the catalog reloads.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher starts watching srv's fixture directory. Callers should Close the
// watcher when done with it.
func NewWatcher(srv *Server, options ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &Watcher{
		srv:             srv,
		fsw:             fsw,
		logger:          slog.Default().With(slog.String("package", "servers/static")),
		debounce:        defaultDebounce,
		toolUpdates:     make(chan struct{}, 1),
		resourceUpdates: make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(w)
	}

	if err := w.addDirs(); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// addDirs watches the fixture root and whichever subdirectories exist. It runs
// again after every reload, so subdirectories created later get picked up.
func (w *Watcher) addDirs() error {
	if err := w.fsw.Add(w.srv.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.srv.root, err)
	}
	for _, sub := range []string{"tools", "resources", "prompts"} {
		dir := filepath.Join(w.srv.root, sub)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *Watcher) run() {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", slog.String("err", err.Error()))
		case <-timer.C:
			if err := w.srv.Reload(); err != nil {
				w.logger.Error("failed to reload catalog", slog.String("err", err.Error()))
				continue
			}
			if err := w.addDirs(); err != nil {
				w.logger.Warn("failed to refresh watched directories", slog.String("err", err.Error()))
			}
			w.signal(w.toolUpdates)
			w.signal(w.resourceUpdates)
		}
	}
}

// signal is a non-blocking send: a slow consumer collapses back-to-back
// reloads into one pending notification.
func (w *Watcher) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ToolListUpdates implements cannery.ToolListUpdater.
func (w *Watcher) ToolListUpdates() iter.Seq[struct{}] {
	return w.updates(w.toolUpdates)
}

// ResourceListUpdates implements cannery.ResourceListUpdater.
func (w *Watcher) ResourceListUpdates() iter.Seq[struct{}] {
	return w.updates(w.resourceUpdates)
}

func (w *Watcher) updates(ch chan struct{}) iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-w.done:
				return
			case <-ch:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

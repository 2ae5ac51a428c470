// Package watcher reports changes to runtime script files.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// ChangeCallback is called with the path of a script that changed.
type ChangeCallback func(path string)

// Watcher monitors script files and calls back once per burst of writes.
//
// Editors often replace files instead of writing them in place, so the
// watcher follows each file's directory and filters events by name.
type Watcher struct {
	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	files     map[string]bool // cleaned absolute path → watched
	dirs      map[string]bool
	timers    map[string]*time.Timer
	debounce  time.Duration
	callback  ChangeCallback
	log       *zap.Logger
	cancel    chan struct{}
	stopOnce  sync.Once
}

// New creates a watcher. A zero debounce uses 250ms; a nil logger is a no-op.
func New(debounce time.Duration, callback ChangeCallback, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsW,
		files:     make(map[string]bool),
		dirs:      make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		debounce:  debounce,
		callback:  callback,
		log:       log,
		cancel:    make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

// Watch starts watching the given script files.
func (w *Watcher) Watch(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		dir := filepath.Dir(abs)
		if !w.dirs[dir] {
			if err := w.fsWatcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			w.dirs[dir] = true
		}
		w.files[abs] = true
	}
	return nil
}

// Unwatch stops reporting changes to path. The directory stays watched.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.files, abs)
	if t, ok := w.timers[abs]; ok {
		t.Stop()
		delete(w.timers, abs)
	}
}

// Files returns the watched script paths.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make([]string, 0, len(w.files))
	for f := range w.files {
		files = append(files, f)
	}
	return files
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(filepath.Clean(event.Name))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// schedule resets the debounce timer for a watched file.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.files[path] {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-w.cancel:
			return
		default:
		}

		w.log.Debug("script changed", zap.String("path", path))
		if w.callback != nil {
			w.callback(path)
		}
	})
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.cancel)

		w.mu.Lock()
		for p, t := range w.timers {
			t.Stop()
			delete(w.timers, p)
		}
		w.mu.Unlock()

		w.fsWatcher.Close()
	})
}

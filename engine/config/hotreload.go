package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change is one hot-reload delivery: the freshly loaded configuration
// plus the checksum it replaced.
type Change struct {
	Config           Config
	PreviousChecksum string
}

// Watcher observes a configuration file and emits a validated Change
// whenever its effective content differs from the last delivery. Only
// the hot-reloadable tunables should be acted on by consumers; the
// watcher itself reloads the whole layered stack so file edits compose
// with environment overrides the same way they do at startup.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watching bool
}

// NewWatcher prepares (but does not start) a watcher for path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Watch starts delivery. It watches the file's directory rather than the
// file itself so editors that replace-on-save keep triggering. Both
// channels close when ctx is cancelled or the watcher is closed; a
// second Watch call returns closed channels.
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 4)
	errs := make(chan error, 4)

	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", filepath.Dir(w.path), err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		var lastChecksum string
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				if cfg.Checksum == lastChecksum {
					continue
				}
				ch := Change{Config: cfg, PreviousChecksum: lastChecksum}
				lastChecksum = cfg.Checksum
				select {
				case changes <- ch:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

// Close stops watching and releases the underlying file watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		w.watching = false
	}
	return w.watcher.Close()
}

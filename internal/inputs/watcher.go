package inputs

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskloom/internal/logging"
)

// Watcher debounces filesystem events on the input directories into a
// single change signal, so a long-running engine can rescan promptly
// instead of polling.
type Watcher struct {
	fsw      *fsnotify.Watcher
	changes  chan struct{}
	debounce time.Duration
}

// NewWatcher watches dirs, creating missing ones first. Change signals
// arrive on Changes() after a short debounce window.
func NewWatcher(dirs ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fsw.Close()
			return nil, err
		}
		if err := fsw.Add(d); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return &Watcher{
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Changes delivers one signal per debounced burst of file events.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run pumps events until ctx is done. Call in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	log := logging.Get(logging.CategoryInputs)
	var timer *time.Timer
	fire := func() {
		select {
		case w.changes <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, fire)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnw("input watcher error", "error", err)
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

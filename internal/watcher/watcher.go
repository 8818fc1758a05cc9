// Package watcher bridges fsnotify to the coordinator's change stream. It
// watches the configured roots recursively and emits normalized change
// events on a bounded channel; when the consumer lags, events are dropped
// with a warning rather than blocking the notify loop.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeatlas-io/codeatlas/internal/types"
)

// skipDirs are directory names never watched.
var skipDirs = map[string]bool{
	".git":         true,
	".atlas":       true,
	"node_modules": true,
	"vendor":       true,
}

// Watcher converts filesystem notifications into types.ChangeEvent values.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan types.ChangeEvent
	log    *slog.Logger
	done   chan struct{}
}

// New creates a watcher over the given roots. capacity bounds the event
// channel; values < 1 get a default of 256.
func New(roots []string, capacity int, log *slog.Logger) (*Watcher, error) {
	if capacity < 1 {
		capacity = 256
	}
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		events: make(chan types.ChangeEvent, capacity),
		log:    log,
		done:   make(chan struct{}),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Events is the bounded change stream.
func (w *Watcher) Events() <-chan types.ChangeEvent {
	return w.events
}

// Start runs the notify loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.handle(ev)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", "error", err)
			}
		}
	}()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	var ct types.ChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		ct = types.ChangeCreate
		// New directories need their own watch; walking a plain file is a
		// no-op.
		if err := w.addRecursive(ev.Name); err != nil {
			w.log.Warn("watch new path", "path", ev.Name, "error", err)
		}
	case ev.Op.Has(fsnotify.Write):
		ct = types.ChangeModify
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		ct = types.ChangeDelete
	default:
		return // chmod etc.
	}

	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}
	out := types.ChangeEvent{
		Path:         filepath.ToSlash(ev.Name),
		ChangeType:   ct,
		AbsolutePath: filepath.ToSlash(abs),
		Timestamp:    time.Now().UTC(),
	}

	select {
	case w.events <- out:
	default:
		w.log.Warn("change stream full, dropping event", "path", out.Path, "change", string(ct))
	}
}

// Close stops the notify loop and releases the underlying watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsw.Close()
}

package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current policy set. Readers take a snapshot with
// Current and keep using it for the whole operation.
type Holder struct {
	cur atomic.Pointer[Set]
}

// NewHolder returns a Holder serving s.
func NewHolder(s *Set) *Holder {
	h := &Holder{}
	h.cur.Store(s)
	return h
}

// Current returns the active set.
func (h *Holder) Current() *Set { return h.cur.Load() }

// Watch reloads path whenever it changes until ctx is cancelled. A file
// that fails to load leaves the previous set active.
func (h *Holder) Watch(ctx context.Context, path string, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		name := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
					continue
				}
				s, err := LoadFromFile(path)
				if err != nil {
					log.Warn("policy reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				h.cur.Store(s)
				log.Info("policy reloaded", "path", path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

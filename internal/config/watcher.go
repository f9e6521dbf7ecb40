package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// ManifestWatcher reloads a manifest file into a store when it changes.
// A file that fails validation is logged and the previous manifest stays.
type ManifestWatcher struct {
	path     string
	store    *ManifestStore
	log      zerolog.Logger
	reloads  atomic.Uint32
	onReload func(*Manifest, error)
}

// NewManifestWatcher builds a watcher; call Run to start it.
func NewManifestWatcher(path string, store *ManifestStore, logger *zerolog.Logger, onReload func(*Manifest, error)) *ManifestWatcher {
	w := &ManifestWatcher{path: path, store: store, log: zerolog.Nop(), onReload: onReload}
	if logger != nil {
		w.log = logger.With().Str("component", "manifest").Logger()
	}
	return w
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file (rename over it) are still observed.
func (w *ManifestWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *ManifestWatcher) reload() {
	count := w.reloads.Add(1)
	m, err := LoadManifest(w.path)
	if err != nil {
		w.log.Error().Err(err).Uint32("count", count).Msg("manifest reload failed; keeping previous")
	} else {
		w.store.Swap(m)
		w.log.Info().Str("path", w.path).Uint32("count", count).Strs("backends", m.Backends()).Msg("manifest reloaded")
	}
	if w.onReload != nil {
		w.onReload(m, err)
	}
}

// ReloadCount returns how many reloads were attempted.
func (w *ManifestWatcher) ReloadCount() uint32 { return w.reloads.Load() }

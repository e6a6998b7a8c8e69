package admin

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
)

// Watcher reloads a Store's config file on external changes (e.g. a
// config-map update in a mounted volume) and invokes onChange with the
// freshly loaded config.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchConfig starts watching store's config file and calls onChange with
// the reloaded config every time it changes on disk. Errors loading the
// file after a change are logged, not propagated, since a transient
// partial write should not take the watcher down.
func WatchConfig(store *Store, onChange func(GatewayConfig)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(store.ConfigPath())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	target := filepath.Clean(store.ConfigPath())

	go func() {
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
					continue
				}
				cfg, err := store.LoadConfig()
				if err != nil {
					logger.Warnw("config hot-reload failed", "path", store.ConfigPath(), "error", err.Error())
					continue
				}
				onChange(cfg)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watcher error", "error", err.Error())
			}
		}
	}()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

package branch

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the refs head cache when another process touches
// a ref file. Only meaningful for filesystem-backed stores; remote
// stores skip it and rely on cache misses.
type Watcher struct {
	fsw    *fsnotify.Watcher
	refs   *Refs
	logger *log.Logger
	done   chan struct{}
}

// WatchRefs starts watching <root>/refs/heads. The directory must
// exist; create the default branch before calling.
func WatchRefs(root string, refs *Refs, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, filepath.FromSlash(RefPrefix))
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw, refs: refs, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				name := filepath.Base(ev.Name)
				w.refs.Invalidate(name)
				if w.logger != nil {
					w.logger.Printf("refs: external change on %s, cache invalidated", name)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("refs watcher: %v", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

package main

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor produces when it
// saves a file.
const reloadDebounce = 200 * time.Millisecond

// configWatcher calls onChange after any of the watched files changes.
// Directories are watched instead of the files so that atomic replaces
// (write to temp, rename over) are seen.
type configWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

func newConfigWatcher(paths []string, onChange func()) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw := &configWatcher{
		watcher:  w,
		files:    make(map[string]bool),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		p = filepath.Clean(p)
		cw.files[p] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
	}
	go cw.loop()
	return cw, nil
}

func (cw *configWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			slog.Debug("config file changed", "path", event.Name, "op", event.Op.String())
			cw.schedule()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (cw *configWatcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(reloadDebounce, cw.onChange)
}

// Close stops watching. A reload already scheduled is dropped.
func (cw *configWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	return err
}

// WatchConfig reloads the engine whenever one of paths changes on disk.
func (s *Server) WatchConfig(paths ...string) error {
	cw, err := newConfigWatcher(paths, s.reloadEngine)
	if err != nil {
		return err
	}
	s.watcher = cw
	return nil
}

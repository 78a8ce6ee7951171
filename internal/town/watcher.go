package town

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DBWatcher tracks whether each watched project's .beads/beads.db file
// exists, updated by fsnotify events rather than by polling. A dispatcher
// given this watcher through dispatch.Dispatcher.SetDBWatcher consults
// IsReady before shelling out to `bd ready`, so a project that has never
// initialized its bead database is skipped without a subprocess round
// trip; without one it falls back to a plain stat check.
type DBWatcher struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	ready map[string]bool // project path -> beads.db known to exist

	closeOnce sync.Once
	done      chan struct{}
}

// NewDBWatcher starts an fsnotify watcher. Callers must call Close when
// finished.
func NewDBWatcher(logger *slog.Logger) (*DBWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dw := &DBWatcher{
		logger:  logger,
		watcher: w,
		ready:   make(map[string]bool),
		done:    make(chan struct{}),
	}
	go dw.run()
	return dw, nil
}

// Watch begins tracking projectPath's .beads directory. Safe to call
// repeatedly for the same path.
func (dw *DBWatcher) Watch(projectPath string) error {
	beadsDir := filepath.Join(projectPath, ".beads")
	if err := dw.watcher.Add(beadsDir); err != nil {
		return err
	}

	dbPath := filepath.Join(beadsDir, "beads.db")
	dw.mu.Lock()
	if _, exists := dw.ready[projectPath]; !exists {
		dw.ready[projectPath] = fileExists(dbPath)
	}
	dw.mu.Unlock()
	return nil
}

// IsReady reports whether projectPath's beads.db is known to exist. A
// project never passed to Watch reports false.
func (dw *DBWatcher) IsReady(projectPath string) bool {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	return dw.ready[projectPath]
}

func (dw *DBWatcher) run() {
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "beads.db" {
				continue
			}
			projectPath := filepath.Dir(filepath.Dir(event.Name))
			dw.mu.Lock()
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				dw.ready[projectPath] = true
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				dw.ready[projectPath] = false
			}
			dw.mu.Unlock()
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warn("beads db watcher error", "error", err)
		case <-dw.done:
			return
		}
	}
}

// Close stops the watcher.
func (dw *DBWatcher) Close() error {
	dw.closeOnce.Do(func() { close(dw.done) })
	return dw.watcher.Close()
}

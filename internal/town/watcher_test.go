package town

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDBWatcherDetectsCreation(t *testing.T) {
	projectPath := t.TempDir()
	beadsDir := filepath.Join(projectPath, ".beads")
	if err := os.Mkdir(beadsDir, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	w, err := NewDBWatcher(nil)
	if err != nil {
		t.Fatalf("NewDBWatcher() error = %v", err)
	}
	defer w.Close()

	if err := w.Watch(projectPath); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if w.IsReady(projectPath) {
		t.Fatalf("IsReady() = true before beads.db created")
	}

	if err := os.WriteFile(filepath.Join(beadsDir, "beads.db"), []byte{}, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.IsReady(projectPath) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("IsReady() still false after beads.db created")
}

func TestDBWatcherUnknownProjectNotReady(t *testing.T) {
	w, err := NewDBWatcher(nil)
	if err != nil {
		t.Fatalf("NewDBWatcher() error = %v", err)
	}
	defer w.Close()

	if w.IsReady("/never/watched") {
		t.Errorf("IsReady() = true for unwatched project, want false")
	}
}

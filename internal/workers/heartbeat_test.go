package workers

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "heartbeat")

	if _, ok := readHeartbeat(dir, "worker-dev-1"); ok {
		t.Fatalf("readHeartbeat() before write should report absent")
	}

	if err := writeHeartbeat(dir, "worker-dev-1"); err != nil {
		t.Fatalf("writeHeartbeat() error = %v", err)
	}

	got, ok := readHeartbeat(dir, "worker-dev-1")
	if !ok {
		t.Fatalf("readHeartbeat() after write should report present")
	}
	if time.Since(got) > 5*time.Second {
		t.Errorf("readHeartbeat() = %v, want recent", got)
	}

	cleanupHeartbeat(dir, "worker-dev-1")
	if _, ok := readHeartbeat(dir, "worker-dev-1"); ok {
		t.Errorf("readHeartbeat() after cleanup should report absent")
	}
}

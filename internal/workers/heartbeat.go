package workers

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// heartbeatPath returns the heartbeat file path for a worker under dir.
func heartbeatPath(dir, workerID string) string {
	return filepath.Join(dir, workerID+".heartbeat")
}

// writeHeartbeat stamps the current time into the worker's heartbeat file.
// The worker process itself is the only other writer; the manager only
// reads, except for this initial write immediately after spawn.
func writeHeartbeat(dir, workerID string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := heartbeatPath(dir, workerID)
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0o644)
}

// readHeartbeat returns the last heartbeat timestamp, or the zero time and
// false if no heartbeat file exists yet.
func readHeartbeat(dir, workerID string) (time.Time, bool) {
	data, err := os.ReadFile(heartbeatPath(dir, workerID))
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cleanupHeartbeat removes the worker's heartbeat file, ignoring a missing
// file.
func cleanupHeartbeat(dir, workerID string) {
	_ = os.Remove(heartbeatPath(dir, workerID))
}

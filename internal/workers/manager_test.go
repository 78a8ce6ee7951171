package workers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
)

// fakeSpawner is an in-memory Spawner double: no real process is ever
// started, letting the manager's bookkeeping be tested without PTYs.
type fakeSpawner struct {
	mu         sync.Mutex
	nextPID    int
	failNext   bool
	terminated []string
}

func (f *fakeSpawner) Spawn(ctx context.Context, req spawn.Request) (spawn.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return spawn.ProcessInfo{}, &spawn.Error{Role: req.Role, WorkerID: req.WorkerID, Detail: "forced failure"}
	}
	f.nextPID++
	return spawn.ProcessInfo{
		PID:       f.nextPID,
		WorkerID:  req.WorkerID,
		Role:      req.Role,
		LogFile:   "/tmp/fake.log",
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeSpawner) Terminate(ctx context.Context, info spawn.ProcessInfo, graceful bool, timeout time.Duration) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, info.WorkerID)
	code := 0
	return &code, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeSpawner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sp := &fakeSpawner{}
	health := config.DefaultHealthConfig()
	health.HeartbeatTimeoutSeconds = 1
	m := NewManager(st, sp, filepath.Join(t.TempDir(), "heartbeat"), health, false, nil)
	return m, sp
}

func TestSpawnAndStop(t *testing.T) {
	m, sp := newTestManager(t)

	w, err := m.Spawn(context.Background(), SpawnRequest{Role: "dev", ProjectPath: "/tmp/proj", AutoRestart: true})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if w.Status != store.WorkerRunning {
		t.Errorf("Spawn() status = %v, want running", w.Status)
	}
	if w.PID == nil || *w.PID != 1 {
		t.Errorf("Spawn() pid = %v, want 1", w.PID)
	}

	stopped, err := m.Stop(context.Background(), w.ID, true, time.Second)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if stopped.Status != store.WorkerStopped {
		t.Errorf("Stop() status = %v, want stopped", stopped.Status)
	}
	if len(sp.terminated) != 1 || sp.terminated[0] != w.ID {
		t.Errorf("Terminate() not called for %s, got %v", w.ID, sp.terminated)
	}
}

func TestSpawnFailureRecordsFailedStatus(t *testing.T) {
	m, sp := newTestManager(t)
	sp.failNext = true

	_, err := m.Spawn(context.Background(), SpawnRequest{Role: "dev", ProjectPath: "/tmp/proj"})
	if err == nil {
		t.Fatalf("Spawn() expected error")
	}

	workers, err := m.List(store.WorkerFilter{Status: store.WorkerFailed})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("List(failed) = %d workers, want 1", len(workers))
	}
}

func TestSpawnInvalidRole(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Spawn(context.Background(), SpawnRequest{Role: "bogus", ProjectPath: "/tmp/proj"})
	if err == nil {
		t.Fatalf("Spawn() expected error for invalid role")
	}
}

func TestHealthCheckDetectsDeadPID(t *testing.T) {
	m, _ := newTestManager(t)

	w, err := m.Spawn(context.Background(), SpawnRequest{Role: "dev", ProjectPath: "/tmp/proj"})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	// Overwrite the pid with one that (almost certainly) does not exist.
	got, err := m.Get(w.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	deadPID := 999999
	got.PID = &deadPID
	if err := m.store.UpdateWorker(got); err != nil {
		t.Fatalf("UpdateWorker() error = %v", err)
	}

	crashed, err := m.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if len(crashed) != 1 || crashed[0].ID != w.ID {
		t.Fatalf("HealthCheck() crashed = %+v, want [%s]", crashed, w.ID)
	}
	if crashed[0].CrashCount != 1 {
		t.Errorf("HealthCheck() crash_count = %d, want 1", crashed[0].CrashCount)
	}
}

func TestAutoRestartSkipsWhenDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	w := store.Worker{ID: "worker-dev-x", AutoRestart: false, CrashCount: 1}
	if m.AutoRestart(w) {
		t.Errorf("AutoRestart() = true, want false when worker.AutoRestart is false")
	}
}

func TestAutoRestartSkipsAtMaxCount(t *testing.T) {
	m, _ := newTestManager(t)
	w := store.Worker{
		ID:          "worker-dev-y",
		Role:        "dev",
		ProjectPath: "/tmp/proj",
		Status:      store.WorkerCrashed,
		CreatedAt:   time.Now(),
		AutoRestart: true,
		CrashCount:  m.health.MaxRestartCount,
	}
	if err := m.store.InsertWorker(w); err != nil {
		t.Fatalf("InsertWorker() error = %v", err)
	}
	if m.AutoRestart(w) {
		t.Errorf("AutoRestart() = true, want false at max restart count")
	}
	got, err := m.Get(w.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AutoRestart {
		t.Errorf("AutoRestart() did not disable auto-restart on the stored worker")
	}
}

func TestAutoRestartSchedulesAndRestarts(t *testing.T) {
	m, sp := newTestManager(t)
	_ = sp
	w := store.Worker{
		ID:          "worker-dev-z",
		Role:        "dev",
		ProjectPath: "/tmp/proj",
		Status:      store.WorkerCrashed,
		CreatedAt:   time.Now(),
		AutoRestart: true,
		CrashCount:  1,
	}
	w.Status = store.WorkerCrashed
	if err := m.store.InsertWorker(w); err != nil {
		t.Fatalf("InsertWorker() error = %v", err)
	}

	m.health.RestartBackoffBase = 0.01
	if !m.AutoRestart(w) {
		t.Fatalf("AutoRestart() = false, want scheduled")
	}
	// A second call before the backoff fires should be a no-op (already pending).
	if m.AutoRestart(w) {
		t.Errorf("AutoRestart() = true on second call, want false (already pending)")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(w.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status == store.WorkerRunning {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("worker %s never transitioned to running after scheduled restart", w.ID)
}

func TestCancelPendingRestarts(t *testing.T) {
	m, _ := newTestManager(t)
	w := store.Worker{
		ID:          "worker-dev-w",
		Role:        "dev",
		ProjectPath: "/tmp/proj",
		Status:      store.WorkerCrashed,
		CreatedAt:   time.Now(),
		AutoRestart: true,
		CrashCount:  1,
	}
	if err := m.store.InsertWorker(w); err != nil {
		t.Fatalf("InsertWorker() error = %v", err)
	}
	m.health.RestartBackoffBase = 30
	if !m.AutoRestart(w) {
		t.Fatalf("AutoRestart() = false, want scheduled")
	}
	if n := m.CancelPendingRestarts(); n != 1 {
		t.Errorf("CancelPendingRestarts() = %d, want 1", n)
	}
	m.Wait()
}

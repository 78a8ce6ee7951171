package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/dispatch"
	"github.com/steveyegge/mabd/internal/rpc"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
	"github.com/steveyegge/mabd/internal/workers"
)

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
}

func (f *fakeSpawner) Spawn(ctx context.Context, req spawn.Request) (spawn.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	return spawn.ProcessInfo{PID: f.nextPID, WorkerID: req.WorkerID, Role: req.Role, LogFile: "/tmp/fake.log", StartedAt: time.Now()}, nil
}

func (f *fakeSpawner) Terminate(ctx context.Context, info spawn.ProcessInfo, graceful bool, timeout time.Duration) (*int, error) {
	code := 0
	return &code, nil
}

// newTestDaemon builds a Daemon directly over a fake spawner, bypassing
// New (which resolves a real claude binary and a real spawn
// implementation neither available nor needed here).
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	home := t.TempDir()

	st, err := store.Open(filepath.Join(home, "workers.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	manager := workers.NewManager(st, &fakeSpawner{}, filepath.Join(home, "heartbeat"), config.DefaultHealthConfig(), false, nil)
	dispatcher := dispatch.New(manager, nil)
	towns := town.NewManager(st)

	d := &Daemon{
		home:       home,
		logger:     nil,
		startedAt:  time.Now(),
		store:      st,
		manager:    manager,
		dispatcher: dispatcher,
		towns:      towns,
		health:     config.DefaultHealthConfig(),
		rpcServer:  rpc.NewServer(filepath.Join(home, "mab.sock"), nil),
	}
	d.registerHandlers()
	return d
}

func startTestDaemon(t *testing.T) (*Daemon, *rpc.Client) {
	t.Helper()
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.rpcServer.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client := rpc.NewClient(filepath.Join(d.home, "mab.sock"))
		var status map[string]any
		if err := client.Call(context.Background(), "daemon.status", nil, &status); err == nil {
			return d, client
		}
		client.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon RPC server did not become ready in time")
	return nil, nil
}

func TestDaemonStatusReportsPID(t *testing.T) {
	_, client := startTestDaemon(t)
	defer client.Close()

	var status map[string]any
	if err := client.Call(context.Background(), "daemon.status", nil, &status); err != nil {
		t.Fatalf("Call(daemon.status) error = %v", err)
	}
	if _, ok := status["pid"]; !ok {
		t.Errorf("daemon.status result missing pid: %+v", status)
	}
}

func TestWorkerSpawnAndList(t *testing.T) {
	_, client := startTestDaemon(t)
	defer client.Close()

	spawnParams := map[string]any{
		"role":         "dev",
		"project_path": "/tmp/project",
		"bead_id":      "bead-1",
	}
	var spawned map[string]any
	if err := client.Call(context.Background(), "worker.spawn", spawnParams, &spawned); err != nil {
		t.Fatalf("Call(worker.spawn) error = %v", err)
	}
	if spawned["BeadID"] != "bead-1" {
		t.Errorf("spawned worker BeadID = %v, want bead-1", spawned["BeadID"])
	}

	var list map[string]any
	if err := client.Call(context.Background(), "worker.list", map[string]string{"project_path": "/tmp/project"}, &list); err != nil {
		t.Fatalf("Call(worker.list) error = %v", err)
	}
	workersOut, ok := list["workers"].([]any)
	if !ok || len(workersOut) != 1 {
		t.Fatalf("worker.list result = %+v, want one worker", list)
	}
}

func TestWorkerGetMissingIsError(t *testing.T) {
	_, client := startTestDaemon(t)
	defer client.Close()

	var result map[string]any
	err := client.Call(context.Background(), "worker.get", map[string]string{"worker_id": "nope"}, &result)
	if err == nil {
		t.Fatal("Call(worker.get) for missing worker returned nil error")
	}
}

func TestDispatchStartRequiresProjectPath(t *testing.T) {
	_, client := startTestDaemon(t)
	defer client.Close()

	var result map[string]any
	err := client.Call(context.Background(), "dispatch.start", map[string]any{}, &result)
	if err == nil {
		t.Fatal("Call(dispatch.start) without project_path returned nil error")
	}
}

func TestDispatchStartAndStatus(t *testing.T) {
	_, client := startTestDaemon(t)
	defer client.Close()

	startParams := map[string]any{"project_path": "/tmp/project", "roles": []string{"dev"}}
	var startResult map[string]any
	if err := client.Call(context.Background(), "dispatch.start", startParams, &startResult); err != nil {
		t.Fatalf("Call(dispatch.start) error = %v", err)
	}

	var status map[string]any
	if err := client.Call(context.Background(), "dispatch.status", nil, &status); err != nil {
		t.Fatalf("Call(dispatch.status) error = %v", err)
	}
	if status["project_path"] != "/tmp/project" {
		t.Errorf("dispatch.status project_path = %v, want /tmp/project", status["project_path"])
	}

	var stopResult map[string]any
	if err := client.Call(context.Background(), "dispatch.stop", nil, &stopResult); err != nil {
		t.Fatalf("Call(dispatch.stop) error = %v", err)
	}
}

package town

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/steveyegge/mabd/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st)
}

func TestCreateAllocatesPort(t *testing.T) {
	m := newTestManager(t)

	a, err := m.Create(CreateRequest{Name: "alpha"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.Port != store.DefaultPortStart {
		t.Errorf("first town port = %d, want %d", a.Port, store.DefaultPortStart)
	}

	b, err := m.Create(CreateRequest{Name: "beta"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if b.Port != store.DefaultPortStart+1 {
		t.Errorf("second town port = %d, want %d", b.Port, store.DefaultPortStart+1)
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "bad-name!"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create() error = %v, want ErrInvalidName", err)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "dup"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(CreateRequest{Name: "dup"}); !errors.Is(err, ErrExists) {
		t.Errorf("Create() second call error = %v, want ErrExists", err)
	}
}

func TestCreateRejectsPortConflict(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "first", Port: 9000}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(CreateRequest{Name: "second", Port: 9000}); !errors.Is(err, ErrPortConflict) {
		t.Errorf("Create() conflicting port error = %v, want ErrPortConflict", err)
	}
}

func TestDeleteRefusesRunningWithoutForce(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "live"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pid := 123
	if _, err := m.SetStatus("live", store.TownRunning, &pid); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	if err := m.Delete("live", false); !errors.Is(err, ErrRunning) {
		t.Errorf("Delete() error = %v, want ErrRunning", err)
	}
	if err := m.Delete("live", true); err != nil {
		t.Errorf("Delete() with force error = %v", err)
	}
}

func TestSetStatusClearsRunningState(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "t1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pid := 42
	running, err := m.SetStatus("t1", store.TownRunning, &pid)
	if err != nil {
		t.Fatalf("SetStatus(running) error = %v", err)
	}
	if running.PID == nil || *running.PID != pid || running.StartedAt == nil {
		t.Errorf("SetStatus(running) = %+v, want PID=%d and StartedAt set", running, pid)
	}

	stopped, err := m.SetStatus("t1", store.TownStopped, nil)
	if err != nil {
		t.Fatalf("SetStatus(stopped) error = %v", err)
	}
	if stopped.PID != nil {
		t.Errorf("SetStatus(stopped).PID = %v, want nil", stopped.PID)
	}
}

func TestGetOrCreateDefaultIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	first, err := m.GetOrCreateDefault("/tmp/project")
	if err != nil {
		t.Fatalf("GetOrCreateDefault() error = %v", err)
	}
	second, err := m.GetOrCreateDefault("/tmp/project")
	if err != nil {
		t.Fatalf("GetOrCreateDefault() second call error = %v", err)
	}
	if first.Name != second.Name || first.Port != second.Port {
		t.Errorf("GetOrCreateDefault() not idempotent: %+v vs %+v", first, second)
	}
}

func TestCountRunning(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(CreateRequest{Name: "a"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(CreateRequest{Name: "b"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pid := 1
	if _, err := m.SetStatus("a", store.TownRunning, &pid); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	n, err := m.CountRunning()
	if err != nil {
		t.Fatalf("CountRunning() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountRunning() = %d, want 1", n)
	}
}

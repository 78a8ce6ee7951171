// Package town provides CRUD and port-allocation operations over isolated
// orchestration contexts ("towns"), plus a change notifier for the
// per-project bead database the dispatcher polls. It does not spawn or
// supervise a town's dashboard process — that remains an external caller's
// responsibility.
package town

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/steveyegge/mabd/internal/store"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrInvalidName is returned when a town name fails the alphanumeric-plus-
// underscore validation.
var ErrInvalidName = errors.New("invalid town name: must be alphanumeric with underscores")

// ErrExists is returned by Create when a town with that name already exists.
var ErrExists = errors.New("town already exists")

// ErrPortConflict is returned when a requested port is already claimed by
// another town.
var ErrPortConflict = errors.New("port already in use by another town")

// ErrRunning is returned by Delete when a town is running and force was
// not requested.
var ErrRunning = errors.New("town is running; stop it first or force delete")

// CreateRequest describes a town to create. Port is auto-allocated from
// [store.DefaultPortStart, store.DefaultPortEnd] when zero.
type CreateRequest struct {
	Name        string
	Port        int
	ProjectPath string
	Template    store.TownTemplate
	Workflow    []string
}

// Manager owns CRUD and port allocation for towns, modeled as a second,
// independent instance of the worker-manager pattern keyed by town name
// rather than worker id.
type Manager struct {
	store *store.Store
}

// NewManager builds a Manager over st.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Create validates and persists a new town, auto-allocating a port if one
// was not supplied.
func (m *Manager) Create(req CreateRequest) (store.Town, error) {
	if req.Name == "" || !nameRe.MatchString(req.Name) {
		return store.Town{}, fmt.Errorf("creating town %q: %w", req.Name, ErrInvalidName)
	}

	if _, err := m.store.GetTown(req.Name); err == nil {
		return store.Town{}, fmt.Errorf("creating town %q: %w", req.Name, ErrExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Town{}, err
	}

	port := req.Port
	if port == 0 {
		p, err := m.store.NextAvailablePort(store.DefaultPortStart, store.DefaultPortEnd)
		if err != nil {
			return store.Town{}, fmt.Errorf("creating town %q: %w", req.Name, err)
		}
		port = p
	} else if conflict, err := m.townAtPort(port); err != nil {
		return store.Town{}, err
	} else if conflict != "" {
		return store.Town{}, fmt.Errorf("creating town %q on port %d: %w (used by %q)", req.Name, port, ErrPortConflict, conflict)
	}

	template := req.Template
	if template == "" {
		template = store.TemplateSolo
	}
	workflow := req.Workflow
	if workflow == nil {
		workflow = []string{"dev", "qa"}
	}

	t := store.Town{
		Name:      req.Name,
		Port:      port,
		Template:  template,
		Workflow:  workflow,
		Status:    store.TownStopped,
		CreatedAt: time.Now().UTC(),
	}
	if req.ProjectPath != "" {
		t.ProjectPath = &req.ProjectPath
	}

	if err := m.store.InsertTown(t); err != nil {
		return store.Town{}, fmt.Errorf("creating town %q: %w", req.Name, err)
	}
	return t, nil
}

// townAtPort returns the name of the town already using port, or "" if
// the port is free.
func (m *Manager) townAtPort(port int) (string, error) {
	towns, err := m.store.ListTowns()
	if err != nil {
		return "", err
	}
	for _, t := range towns {
		if t.Port == port {
			return t.Name, nil
		}
	}
	return "", nil
}

// Get returns a town by name.
func (m *Manager) Get(name string) (store.Town, error) {
	return m.store.GetTown(name)
}

// List returns every town.
func (m *Manager) List() ([]store.Town, error) {
	return m.store.ListTowns()
}

// Update applies non-zero-value overrides to an existing town.
func (m *Manager) Update(name string, port *int, template *store.TownTemplate, workflow []string, projectPath *string) (store.Town, error) {
	t, err := m.store.GetTown(name)
	if err != nil {
		return store.Town{}, err
	}

	if port != nil && *port != t.Port {
		owner, err := m.townAtPort(*port)
		if err != nil {
			return store.Town{}, err
		}
		if owner != "" && owner != name {
			return store.Town{}, fmt.Errorf("updating town %q to port %d: %w (used by %q)", name, *port, ErrPortConflict, owner)
		}
		t.Port = *port
	}
	if template != nil {
		t.Template = *template
	}
	if workflow != nil {
		t.Workflow = workflow
	}
	if projectPath != nil {
		t.ProjectPath = projectPath
	}

	if err := m.store.UpdateTown(t); err != nil {
		return store.Town{}, fmt.Errorf("updating town %q: %w", name, err)
	}
	return t, nil
}

// SetStatus transitions a town's status, recording StartedAt on a
// transition to running and clearing PID on a transition to stopped.
func (m *Manager) SetStatus(name string, status store.TownStatus, pid *int) (store.Town, error) {
	t, err := m.store.GetTown(name)
	if err != nil {
		return store.Town{}, err
	}
	t.Status = status
	t.PID = pid
	if status == store.TownRunning {
		now := time.Now().UTC()
		t.StartedAt = &now
	} else if status == store.TownStopped {
		t.PID = nil
	}
	if err := m.store.UpdateTown(t); err != nil {
		return store.Town{}, fmt.Errorf("setting status for town %q: %w", name, err)
	}
	return t, nil
}

// Delete removes a town, refusing if it is running unless force is set.
func (m *Manager) Delete(name string, force bool) error {
	t, err := m.store.GetTown(name)
	if err != nil {
		return err
	}
	if t.Status == store.TownRunning && !force {
		return fmt.Errorf("deleting town %q: %w", name, ErrRunning)
	}
	if err := m.store.DeleteTown(name); err != nil {
		return fmt.Errorf("deleting town %q: %w", name, err)
	}
	return nil
}

// GetOrCreateDefault returns the "default" town, creating it against
// projectPath if it does not already exist.
func (m *Manager) GetOrCreateDefault(projectPath string) (store.Town, error) {
	t, err := m.store.GetTown("default")
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Town{}, err
	}
	return m.Create(CreateRequest{
		Name:        "default",
		Port:        store.DefaultPortStart,
		ProjectPath: projectPath,
	})
}

// CountRunning returns the number of towns currently marked running.
func (m *Manager) CountRunning() (int, error) {
	towns, err := m.store.ListTowns()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range towns {
		if t.Status == store.TownRunning {
			n++
		}
	}
	return n, nil
}

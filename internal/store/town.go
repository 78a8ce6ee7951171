package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TownStatus tracks the town's dashboard process, not its workers.
type TownStatus string

const (
	TownStopped  TownStatus = "stopped"
	TownStarting TownStatus = "starting"
	TownRunning  TownStatus = "running"
	TownStopping TownStatus = "stopping"
)

// TownTemplate determines the role-count configuration of a town. The
// mapping from template to role counts is not persisted independently —
// it is re-derived from the template value wherever needed.
type TownTemplate string

const (
	TemplateSolo TownTemplate = "solo"
	TemplatePair TownTemplate = "pair"
	TemplateFull TownTemplate = "full"
)

// DefaultPortStart and DefaultPortEnd bound automatic port allocation.
const (
	DefaultPortStart = 8000
	DefaultPortEnd   = 8099
)

// Town is the persisted shape of an orchestration context.
type Town struct {
	Name        string
	Port        int
	ProjectPath *string
	Template    TownTemplate
	Workflow    []string
	Status      TownStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	PID         *int
}

const townSchema = `
CREATE TABLE IF NOT EXISTS towns (
	name TEXT PRIMARY KEY,
	port INTEGER NOT NULL UNIQUE,
	project_path TEXT UNIQUE,
	status TEXT NOT NULL DEFAULT 'stopped',
	template TEXT NOT NULL DEFAULT 'solo',
	workflow TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	started_at TEXT,
	pid INTEGER
)`

func (s *Store) migrateTowns() error {
	if _, err := s.db.Exec(townSchema); err != nil {
		return fmt.Errorf("creating towns table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_towns_port ON towns(port)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_towns_status ON towns(status)`); err != nil {
		return err
	}

	cols, err := s.tableColumns("towns")
	if err != nil {
		return err
	}
	migrations := []struct{ column, ddl string }{
		{"template", "template TEXT NOT NULL DEFAULT 'solo'"},
		{"workflow", "workflow TEXT NOT NULL DEFAULT '[]'"},
	}
	for _, m := range migrations {
		if err := s.addColumnIfMissing("towns", m.column, m.ddl, cols); err != nil {
			return fmt.Errorf("migrating towns.%s: %w", m.column, err)
		}
	}
	return nil
}

// InsertTown inserts a new town record. Name, port, and (if non-nil)
// project_path must be unique.
func (s *Store) InsertTown(t Town) error {
	workflow, err := json.Marshal(t.Workflow)
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO towns (
			name, port, project_path, status, template, workflow,
			created_at, started_at, pid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Port, t.ProjectPath, string(t.Status), string(t.Template), string(workflow),
		timeStr(&t.CreatedAt), timeStr(t.StartedAt), t.PID,
	)
	if err != nil {
		return fmt.Errorf("inserting town %s: %w", t.Name, err)
	}
	return nil
}

// UpdateTown overwrites every mutable field of the town identified by t.Name.
func (s *Store) UpdateTown(t Town) error {
	workflow, err := json.Marshal(t.Workflow)
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE towns SET
			port = ?, project_path = ?, status = ?, template = ?, workflow = ?,
			started_at = ?, pid = ?
		WHERE name = ?`,
		t.Port, t.ProjectPath, string(t.Status), string(t.Template), string(workflow),
		timeStr(t.StartedAt), t.PID, t.Name,
	)
	if err != nil {
		return fmt.Errorf("updating town %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("updating town %s: %w", t.Name, ErrNotFound)
	}
	return nil
}

// DeleteTown removes the town record with the given name.
func (s *Store) DeleteTown(name string) error {
	res, err := s.db.Exec(`DELETE FROM towns WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting town %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("deleting town %s: %w", name, ErrNotFound)
	}
	return nil
}

const townColumns = `name, port, project_path, status, template, workflow, created_at, started_at, pid`

func scanTown(row interface {
	Scan(dest ...any) error
}) (Town, error) {
	var t Town
	var status, template, workflow, createdAt string
	var projectPath, startedAt sql.NullString
	var pid sql.NullInt64

	err := row.Scan(&t.Name, &t.Port, &projectPath, &status, &template, &workflow, &createdAt, &startedAt, &pid)
	if err != nil {
		return Town{}, err
	}
	t.Status = TownStatus(status)
	t.Template = TownTemplate(template)
	if projectPath.Valid {
		t.ProjectPath = &projectPath.String
	}
	if pid.Valid {
		v := int(pid.Int64)
		t.PID = &v
	}
	if err := json.Unmarshal([]byte(workflow), &t.Workflow); err != nil {
		return Town{}, fmt.Errorf("decoding workflow: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Town{}, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = created
	if t.StartedAt, err = parseTimeStr(startedAt); err != nil {
		return Town{}, err
	}
	return t, nil
}

// GetTown returns the town with the given name, or ErrNotFound.
func (s *Store) GetTown(name string) (Town, error) {
	row := s.db.QueryRow(`SELECT `+townColumns+` FROM towns WHERE name = ?`, name)
	t, err := scanTown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Town{}, ErrNotFound
	}
	if err != nil {
		return Town{}, fmt.Errorf("getting town %s: %w", name, err)
	}
	return t, nil
}

// GetTownByProjectPath returns the town whose project_path matches, or
// ErrNotFound.
func (s *Store) GetTownByProjectPath(path string) (Town, error) {
	row := s.db.QueryRow(`SELECT `+townColumns+` FROM towns WHERE project_path = ?`, path)
	t, err := scanTown(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Town{}, ErrNotFound
	}
	if err != nil {
		return Town{}, fmt.Errorf("getting town by project path %s: %w", path, err)
	}
	return t, nil
}

// ListTowns returns every town, ordered by name.
func (s *Store) ListTowns() ([]Town, error) {
	rows, err := s.db.Query(`SELECT ` + townColumns + ` FROM towns ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing towns: %w", err)
	}
	defer rows.Close()

	var out []Town
	for rows.Next() {
		t, err := scanTown(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning town row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextAvailablePort returns the smallest unused port in [start, end], or
// ErrNotFound if the range is exhausted.
func (s *Store) NextAvailablePort(start, end int) (int, error) {
	rows, err := s.db.Query(`SELECT port FROM towns WHERE port BETWEEN ? AND ? ORDER BY port ASC`, start, end)
	if err != nil {
		return 0, fmt.Errorf("scanning used ports: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		used[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for p := start; p <= end; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("allocating port in [%d,%d]: %w", start, end, ErrNotFound)
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkerStatus is the closed set of worker lifecycle states.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerFailed   WorkerStatus = "failed"
)

// ErrNotFound is returned by GetWorker/GetTown/GetTownByProjectPath when no
// row matches, and wrapped by UpdateWorker, UpdateTown, DeleteTown and
// NextAvailablePort.
var ErrNotFound = errors.New("not found")

// Worker is the persisted shape of a managed child process.
type Worker struct {
	ID              string
	Role            string
	ProjectPath     string
	Status          WorkerStatus
	PID             *int
	CreatedAt       time.Time
	StartedAt       *time.Time
	StoppedAt       *time.Time
	CrashCount      int
	LastHeartbeat   *time.Time
	ExitCode        *int
	ErrorMessage    *string
	LastRestartAt   *time.Time
	AutoRestart     bool
	TownName        string
	WorktreePath    *string
	WorktreeBranch  *string
	BeadID          *string
}

const workerSchema = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	project_path TEXT NOT NULL,
	status TEXT NOT NULL,
	pid INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	stopped_at TEXT,
	crash_count INTEGER DEFAULT 0,
	last_heartbeat TEXT,
	exit_code INTEGER,
	error_message TEXT,
	last_restart_at TEXT,
	auto_restart_enabled INTEGER DEFAULT 1,
	town_name TEXT DEFAULT 'default',
	worktree_path TEXT,
	worktree_branch TEXT,
	bead_id TEXT
)`

func (s *Store) migrateWorkers() error {
	if _, err := s.db.Exec(workerSchema); err != nil {
		return fmt.Errorf("creating workers table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workers_project ON workers(project_path)`); err != nil {
		return err
	}

	cols, err := s.tableColumns("workers")
	if err != nil {
		return err
	}
	migrations := []struct{ column, ddl string }{
		{"town_name", "town_name TEXT DEFAULT 'default'"},
		{"worktree_path", "worktree_path TEXT"},
		{"worktree_branch", "worktree_branch TEXT"},
		{"last_restart_at", "last_restart_at TEXT"},
		{"exit_code", "exit_code INTEGER"},
		{"error_message", "error_message TEXT"},
		{"auto_restart_enabled", "auto_restart_enabled INTEGER DEFAULT 1"},
		{"bead_id", "bead_id TEXT"},
	}
	for _, m := range migrations {
		if err := s.addColumnIfMissing("workers", m.column, m.ddl, cols); err != nil {
			return fmt.Errorf("migrating workers.%s: %w", m.column, err)
		}
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workers_town ON workers(town_name)`); err != nil {
		return err
	}
	return nil
}

func timeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeStr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

// InsertWorker inserts a new worker record. The id must be unique.
func (s *Store) InsertWorker(w Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (
			id, role, project_path, status, pid, created_at,
			started_at, stopped_at, crash_count, last_heartbeat,
			exit_code, error_message, last_restart_at, auto_restart_enabled,
			town_name, worktree_path, worktree_branch, bead_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Role, w.ProjectPath, string(w.Status), w.PID, timeStr(&w.CreatedAt),
		timeStr(w.StartedAt), timeStr(w.StoppedAt), w.CrashCount, timeStr(w.LastHeartbeat),
		w.ExitCode, w.ErrorMessage, timeStr(w.LastRestartAt), boolToInt(w.AutoRestart),
		w.TownName, w.WorktreePath, w.WorktreeBranch, w.BeadID,
	)
	if err != nil {
		return fmt.Errorf("inserting worker %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWorker overwrites every mutable field of the worker identified by
// w.ID. It is full-record replace, matching the Python source's
// update_worker which always rewrites the whole row.
func (s *Store) UpdateWorker(w Worker) error {
	res, err := s.db.Exec(`
		UPDATE workers SET
			role = ?, project_path = ?, status = ?, pid = ?, started_at = ?,
			stopped_at = ?, crash_count = ?, last_heartbeat = ?, exit_code = ?,
			error_message = ?, last_restart_at = ?, auto_restart_enabled = ?,
			town_name = ?, worktree_path = ?, worktree_branch = ?, bead_id = ?
		WHERE id = ?`,
		w.Role, w.ProjectPath, string(w.Status), w.PID, timeStr(w.StartedAt),
		timeStr(w.StoppedAt), w.CrashCount, timeStr(w.LastHeartbeat), w.ExitCode,
		w.ErrorMessage, timeStr(w.LastRestartAt), boolToInt(w.AutoRestart),
		w.TownName, w.WorktreePath, w.WorktreeBranch, w.BeadID, w.ID,
	)
	if err != nil {
		return fmt.Errorf("updating worker %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("updating worker %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

func scanWorker(row interface {
	Scan(dest ...any) error
}) (Worker, error) {
	var w Worker
	var status, createdAt string
	var startedAt, stoppedAt, lastHeartbeat, lastRestartAt sql.NullString
	var errMsg, worktreePath, worktreeBranch, beadID sql.NullString
	var pid, exitCode sql.NullInt64
	var autoRestart int

	err := row.Scan(
		&w.ID, &w.Role, &w.ProjectPath, &status, &pid, &createdAt,
		&startedAt, &stoppedAt, &w.CrashCount, &lastHeartbeat,
		&exitCode, &errMsg, &lastRestartAt, &autoRestart,
		&w.TownName, &worktreePath, &worktreeBranch, &beadID,
	)
	if err != nil {
		return Worker{}, err
	}

	w.Status = WorkerStatus(status)
	w.AutoRestart = autoRestart != 0
	if pid.Valid {
		v := int(pid.Int64)
		w.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		w.ExitCode = &v
	}
	if errMsg.Valid {
		w.ErrorMessage = &errMsg.String
	}
	if worktreePath.Valid {
		w.WorktreePath = &worktreePath.String
	}
	if worktreeBranch.Valid {
		w.WorktreeBranch = &worktreeBranch.String
	}
	if beadID.Valid {
		w.BeadID = &beadID.String
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Worker{}, fmt.Errorf("parsing created_at: %w", err)
	}
	w.CreatedAt = created

	if w.StartedAt, err = parseTimeStr(startedAt); err != nil {
		return Worker{}, err
	}
	if w.StoppedAt, err = parseTimeStr(stoppedAt); err != nil {
		return Worker{}, err
	}
	if w.LastHeartbeat, err = parseTimeStr(lastHeartbeat); err != nil {
		return Worker{}, err
	}
	if w.LastRestartAt, err = parseTimeStr(lastRestartAt); err != nil {
		return Worker{}, err
	}
	return w, nil
}

const workerColumns = `id, role, project_path, status, pid, created_at,
	started_at, stopped_at, crash_count, last_heartbeat,
	exit_code, error_message, last_restart_at, auto_restart_enabled,
	town_name, worktree_path, worktree_branch, bead_id`

// GetWorker returns the worker with the given id, or ErrNotFound.
func (s *Store) GetWorker(id string) (Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, ErrNotFound
	}
	if err != nil {
		return Worker{}, fmt.Errorf("getting worker %s: %w", id, err)
	}
	return w, nil
}

// WorkerFilter narrows ListWorkers/CountWorkers results. Zero-value fields
// are ignored.
type WorkerFilter struct {
	Status      WorkerStatus
	Role        string
	ProjectPath string
	TownName    string
}

func (f WorkerFilter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, f.Role)
	}
	if f.ProjectPath != "" {
		conds = append(conds, "project_path = ?")
		args = append(args, f.ProjectPath)
	}
	if f.TownName != "" {
		conds = append(conds, "town_name = ?")
		args = append(args, f.TownName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListWorkers returns every worker matching the filter, ordered by
// creation time.
func (s *Store) ListWorkers(f WorkerFilter) ([]Worker, error) {
	where, args := f.whereClause()
	rows, err := s.db.Query(`SELECT `+workerColumns+` FROM workers`+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountWorkers returns the number of workers matching the filter.
func (s *Store) CountWorkers(f WorkerFilter) (int, error) {
	where, args := f.whereClause()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workers`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

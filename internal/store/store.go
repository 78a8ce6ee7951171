// Package store is the embedded, file-backed relational store for worker
// and town records. It opens a single SQLite file, creates the schema on
// first use, and migrates missing columns idempotently on every open so
// that upgrading the binary never loses data.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the database handle shared by the worker and town tables.
// SQLite only supports one writer at a time, so the pool is capped at a
// single connection, matching sfncore-beads's own SQLitePersistence.
type Store struct {
	db *sql.DB
}

// Open creates the parent directory if needed, opens (or creates) the
// database file at path, and runs schema creation plus migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// tableColumns returns the set of column names currently present on table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// addColumnIfMissing runs an ALTER TABLE ADD COLUMN only if the column is
// absent, making the migration idempotent across repeated opens.
func (s *Store) addColumnIfMissing(table, column, ddl string, existing map[string]bool) error {
	if existing[column] {
		return nil
	}
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl))
	return err
}

func (s *Store) migrate() error {
	if err := s.migrateWorkers(); err != nil {
		return err
	}
	if err := s.migrateTowns(); err != nil {
		return err
	}
	return nil
}

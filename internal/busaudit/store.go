// Package busaudit persists a record of every dispatch the bus
// performs: which subject, which service, how long it took, and
// whether it failed. Attached via Bus.WithAuditStore, it turns the
// in-memory dispatch flow into a queryable history, modeled on the
// scheduler's own task/execution store.
package busaudit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision is one audited dispatch: the request's subject and kind,
// which service (if any) served it, how long it took, and the error
// kind/description if it failed. Shaped after the teacher's own
// router.Decision audit record.
type Decision struct {
	ID         string
	Subject    string
	Kind       string
	Service    string
	DurationMS int64
	ErrorKind  string
	ErrorDesc  string
	At         time.Time
}

// Store persists Decisions in a SQLite database. The driver is picked
// at compile time by driverName (store_cgo.go/store_purego.go): the
// pure-Go modernc.org/sqlite driver by default, or mattn/go-sqlite3
// when built with cgo enabled, exactly as the teacher's own go.mod
// carries both.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a SQLite database at dbPath
// and ensures the decisions table exists.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id          TEXT PRIMARY KEY,
		subject     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		service     TEXT,
		duration_ms INTEGER NOT NULL,
		error_kind  TEXT,
		error_desc  TEXT,
		at          TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_subject ON decisions(subject);
	CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends d to the audit log, generating an ID and timestamp if
// unset.
func (s *Store) Record(d Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO decisions (id, subject, kind, service, duration_ms, error_kind, error_desc, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		// Fixed-width UTC text so ORDER BY at sorts chronologically.
		d.ID, d.Subject, d.Kind, d.Service, d.DurationMS, d.ErrorKind, d.ErrorDesc, d.At.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	return err
}

// RecentBySubject returns the most recent decisions for subject, newest
// first, bounded by limit.
func (s *Store) RecentBySubject(subject string, limit int) ([]Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, subject, kind, service, duration_ms, error_kind, error_desc, at
		 FROM decisions WHERE subject = ? ORDER BY at DESC LIMIT ?`,
		subject, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var service, errKind, errDesc sql.NullString
		var at string
		if err := rows.Scan(&d.ID, &d.Subject, &d.Kind, &service, &d.DurationMS, &errKind, &errDesc, &at); err != nil {
			return nil, err
		}
		d.Service = service.String
		d.ErrorKind = errKind.String
		d.ErrorDesc = errDesc.String
		d.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse decision timestamp: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Package store provides the optional audit trail backed by an embedded
// SQLite database. It owns the database lifecycle and exposes the minimal
// API the server and CLI use.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — per-operation audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		op         TEXT NOT NULL,
		sender     TEXT NOT NULL DEFAULT '',
		receiver   TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — statistics snapshots taken on dump signals
	`CREATE TABLE IF NOT EXISTS stats_snapshots (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		nusers            INTEGER NOT NULL,
		nonline           INTEGER NOT NULL,
		ndelivered        INTEGER NOT NULL,
		nnotdelivered     INTEGER NOT NULL,
		nfiledelivered    INTEGER NOT NULL,
		nfilenotdelivered INTEGER NOT NULL,
		nerrors           INTEGER NOT NULL,
		ngroups           INTEGER NOT NULL,
		created_at        INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — index for tail queries
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database holding the audit trail.
type Store struct {
	db *sql.DB
}

// AuditEntry is one audit_log row.
type AuditEntry struct {
	ID        int64  `json:"id"`
	Op        string `json:"op"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Outcome   string `json:"outcome"`
	CreatedAt int64  `json:"created_at"`
}

// StatsSnapshot is one stats_snapshots row, minus its key columns.
type StatsSnapshot struct {
	NUsers            uint64
	NOnline           uint64
	NDelivered        uint64
	NNotDelivered     uint64
	NFileDelivered    uint64
	NFileNotDelivered uint64
	NErrors           uint64
	NGroups           uint64
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations (version) VALUES (?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// InsertAudit appends one audit row.
func (s *Store) InsertAudit(op, sender, receiver, outcome string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (op, sender, receiver, outcome) VALUES (?, ?, ?, ?)`,
		op, sender, receiver, outcome)
	return err
}

// RecentAudit returns the newest n audit rows, newest first.
func (s *Store) RecentAudit(n int) ([]AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, op, sender, receiver, outcome, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Op, &e.Sender, &e.Receiver, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditCount returns the number of audit rows.
func (s *Store) AuditCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// InsertStatsSnapshot appends one statistics snapshot.
func (s *Store) InsertStatsSnapshot(snap StatsSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO stats_snapshots
		 (nusers, nonline, ndelivered, nnotdelivered,
		  nfiledelivered, nfilenotdelivered, nerrors, ngroups)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.NUsers, snap.NOnline, snap.NDelivered, snap.NNotDelivered,
		snap.NFileDelivered, snap.NFileNotDelivered, snap.NErrors, snap.NGroups)
	return err
}

// Optimize asks the SQLite query planner to refresh its statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// PurgeAuditBefore deletes audit rows older than the cutoff and returns how
// many were removed.
func (s *Store) PurgeAuditBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Package statsdb keeps lifetime per-user traffic in SQLite so totals
// survive controller restarts and proxy counter resets.
package statsdb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistent stats store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %q: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statsdb: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS daemon (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  start_time_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_traffic (
  email TEXT PRIMARY KEY,
  uplink_total INTEGER NOT NULL DEFAULT 0,
  downlink_total INTEGER NOT NULL DEFAULT 0,
  uplink_last_seen INTEGER NOT NULL DEFAULT 0,
  downlink_last_seen INTEGER NOT NULL DEFAULT 0,
  last_sample_unix INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("statsdb: init schema: %w", err)
	}
	return nil
}

// SetDaemonStartTime records the controller start time (upsert, id=1).
func (s *Store) SetDaemonStartTime(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon (id, start_time_unix) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET start_time_unix = excluded.start_time_unix`,
		t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statsdb: set daemon start time: %w", err)
	}
	return nil
}

// GetDaemonStartTime returns the stored controller start time.
func (s *Store) GetDaemonStartTime() (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(`SELECT start_time_unix FROM daemon WHERE id = 1`).Scan(&unix)
	if err != nil {
		return time.Time{}, fmt.Errorf("statsdb: get daemon start time: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// Save upserts absolute lifetime totals. The caller owns the counter-reset
// accounting; Save never derives deltas, so a sparse flush cannot lose
// traffic counted between two saves.
func (s *Store) Save(users []UserTotals) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statsdb: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO user_traffic
		 (email, uplink_total, downlink_total, uplink_last_seen, downlink_last_seen, last_sample_unix)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
		   uplink_total = excluded.uplink_total,
		   downlink_total = excluded.downlink_total,
		   uplink_last_seen = excluded.uplink_last_seen,
		   downlink_last_seen = excluded.downlink_last_seen,
		   last_sample_unix = excluded.last_sample_unix`)
	if err != nil {
		return fmt.Errorf("statsdb: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		var sampled int64
		if !u.LastSample.IsZero() {
			sampled = u.LastSample.Unix()
		}
		if _, err := stmt.Exec(
			u.Email, u.UplinkTotal, u.DownlinkTotal,
			u.UplinkLastSeen, u.DownlinkLastSeen, sampled,
		); err != nil {
			return fmt.Errorf("statsdb: save user %s: %w", u.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statsdb: commit save: %w", err)
	}
	s.logger.Debug("statsdb: saved user traffic", "users", len(users))
	return nil
}

// Users returns all persisted records keyed by email.
func (s *Store) Users() (map[string]UserRecord, error) {
	rows, err := s.db.Query(
		`SELECT email, uplink_total, downlink_total, uplink_last_seen, downlink_last_seen, last_sample_unix
		 FROM user_traffic`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: query users: %w", err)
	}
	defer rows.Close()

	out := make(map[string]UserRecord)
	for rows.Next() {
		var email string
		var r UserRecord
		if err := rows.Scan(&email, &r.UplinkTotal, &r.DownlinkTotal,
			&r.UplinkLastSeen, &r.DownlinkLastSeen, &r.LastSampleUnix); err != nil {
			return nil, fmt.Errorf("statsdb: scan user: %w", err)
		}
		out[email] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statsdb: iterate users: %w", err)
	}
	return out, nil
}

// DeleteUser drops a user's history, e.g. after the user was removed and
// its totals were reported.
func (s *Store) DeleteUser(email string) error {
	if _, err := s.db.Exec(`DELETE FROM user_traffic WHERE email = ?`, email); err != nil {
		return fmt.Errorf("statsdb: delete user %s: %w", email, err)
	}
	return nil
}

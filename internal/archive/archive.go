// Package archive persists finished session summaries to a local sqlite
// database so runs survive server restarts. Archiving is best-effort: the
// engine logs failures and moves on.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	team_size     INTEGER NOT NULL,
	timesteps     INTEGER NOT NULL,
	tasks_finished INTEGER NOT NULL,
	sum_of_cost   INTEGER NOT NULL,
	makespan      INTEGER NOT NULL,
	all_valid     INTEGER NOT NULL,
	report_json   TEXT NOT NULL,
	archived_at   TEXT NOT NULL
);
`

// Summary is one archived session row.
type Summary struct {
	ID            string
	SessionID     string
	TeamSize      int
	Timesteps     int
	TasksFinished int
	SumOfCost     int
	Makespan      int
	AllValid      bool
	ReportJSON    string
	ArchivedAt    string
}

// Store wraps the sqlite session archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Save inserts a session summary and returns its archive row id.
func (s *Store) Save(ctx context.Context, sum Summary) (string, error) {
	now := time.Now().UTC()
	id := ulid.Make().String()

	allValid := 0
	if sum.AllValid {
		allValid = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_id, team_size, timesteps, tasks_finished,
			sum_of_cost, makespan, all_valid, report_json, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sum.SessionID, sum.TeamSize, sum.Timesteps, sum.TasksFinished,
		sum.SumOfCost, sum.Makespan, allValid, sum.ReportJSON, now.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}
	return id, nil
}

// List returns the most recent archived sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, team_size, timesteps, tasks_finished,
			sum_of_cost, makespan, all_valid, report_json, archived_at
		FROM sessions ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var allValid int
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.TeamSize, &sum.Timesteps,
			&sum.TasksFinished, &sum.SumOfCost, &sum.Makespan, &allValid,
			&sum.ReportJSON, &sum.ArchivedAt); err != nil {
			return nil, err
		}
		sum.AllValid = allValid == 1
		out = append(out, sum)
	}
	return out, rows.Err()
}

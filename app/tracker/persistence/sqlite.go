// Package persistence mirrors the tracked job set to sqlite, scoped per
// authenticated account. Storage is best effort: malformed rows or an
// incompatible schema degrade to an empty set, jobs re-derivable by resubmission.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/chrono-hq/ingestd/app/tracker"
)

// schemaVersion is bumped on incompatible layout changes. A database written
// by a newer version is recreated empty rather than misread.
const schemaVersion = 1

// SQLiteStore implements tracker.Persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

type jobRow struct {
	Account     string         `db:"account"`
	ID          string         `db:"id"`
	DisplayName string         `db:"display_name"`
	Status      tracker.Status `db:"status"`
	Result      sql.NullString `db:"result"`
	Error       sql.NullString `db:"error"`
	CreatedAt   int64          `db:"created_at"`
	SortIndex   int            `db:"sort_index"`
}

// NewSQLiteStore opens (or creates) the database and prepares the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initialize creates the schema and reconciles the stored schema version
func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			account TEXT NOT NULL,
			id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at INTEGER,
			sort_index INTEGER DEFAULT 0,
			PRIMARY KEY (account, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	var version int
	err := s.db.Get(&version, "SELECT version FROM schema_info LIMIT 1")
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec("INSERT INTO schema_info (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version != schemaVersion:
		// no migrations defined yet, anything unexpected starts over empty
		log.Printf("[WARN] incompatible schema version %d (want %d), recreating storage", version, schemaVersion)
		if _, err := s.db.Exec("DELETE FROM jobs"); err != nil {
			return fmt.Errorf("failed to clear jobs on version mismatch: %w", err)
		}
		if _, err := s.db.Exec("UPDATE schema_info SET version = ?", schemaVersion); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

// Load retrieves the account's jobs in their original insertion order.
// Rows that fail to decode are skipped with a warning.
func (s *SQLiteStore) Load(account string) ([]tracker.Job, error) {
	rows := []jobRow{}
	err := s.db.Select(&rows, "SELECT * FROM jobs WHERE account = ? ORDER BY sort_index", account)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	jobs := make([]tracker.Job, 0, len(rows))
	for _, row := range rows {
		job := tracker.Job{
			ID:          row.ID,
			DisplayName: row.DisplayName,
			Status:      row.Status,
			CreatedAt:   time.Unix(row.CreatedAt, 0),
		}
		if row.Error.Valid {
			job.Error = row.Error.String
		}
		if row.Result.Valid && row.Result.String != "" {
			res := tracker.Result{}
			if err := json.Unmarshal([]byte(row.Result.String), &res); err != nil {
				log.Printf("[WARN] failed to decode result of job %s, dropped, %v", row.ID, err)
				continue
			}
			job.Result = &res
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Save rewrites the account's rows with the current tracked set in one transaction
func (s *SQLiteStore) Save(account string, jobs []tracker.Job) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint rollback after commit is a no-op

	if _, err := tx.Exec("DELETE FROM jobs WHERE account = ?", account); err != nil {
		return fmt.Errorf("failed to clear jobs for %s: %w", account, err)
	}

	for idx, job := range jobs {
		row := jobRow{
			Account:     account,
			ID:          job.ID,
			DisplayName: job.DisplayName,
			Status:      job.Status,
			CreatedAt:   job.CreatedAt.Unix(),
			SortIndex:   idx,
		}
		if job.Error != "" {
			row.Error = sql.NullString{String: job.Error, Valid: true}
		}
		if job.Result != nil {
			data, err := json.Marshal(job.Result)
			if err != nil {
				return fmt.Errorf("failed to encode result of job %s: %w", job.ID, err)
			}
			row.Result = sql.NullString{String: string(data), Valid: true}
		}

		_, err := tx.NamedExec(`INSERT INTO jobs (account, id, display_name, status, result, error, created_at, sort_index)
			VALUES (:account, :id, :display_name, :status, :result, :error, :created_at, :sort_index)`, row)
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Wipe deletes all persisted jobs of the account, used on sign-out
func (s *SQLiteStore) Wipe(account string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE account = ?", account); err != nil {
		return fmt.Errorf("failed to wipe jobs for %s: %w", account, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID
var ErrRunNotFound = errors.New("run not found")

const defaultListLimit = 20

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens (creating if needed) the run history database
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// A single short-lived process; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Run history store opened")
	return store, nil
}

// initSchema creates the runs table and indexes if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		command TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		target TEXT NOT NULL,
		group_names TEXT,
		changes INTEGER NOT NULL DEFAULT 0,
		backup_path TEXT,
		state TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		dry_run INTEGER NOT NULL DEFAULT 0,
		restarted INTEGER NOT NULL DEFAULT 0,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}

	return nil
}

// RecordRun stores a finished run
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	detailsJSON := "{}"
	if len(run.Details) > 0 {
		detailsBytes, err := json.Marshal(run.Details)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to marshal run details to JSON")
		} else {
			detailsJSON = string(detailsBytes)
		}
	}

	query := `
		INSERT INTO runs (
			run_id, command, started_at, finished_at, target, group_names, changes,
			backup_path, state, status, error, dry_run, restarted, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		run.RunID,
		run.Command,
		run.StartedAt.UnixNano(),
		run.FinishedAt.UnixNano(),
		run.Target,
		strings.Join(run.Groups, ","),
		run.Changes,
		run.BackupPath,
		run.State,
		run.Status,
		run.Error,
		run.DryRun,
		run.Restarted,
		detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// ListRuns returns runs newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, filters Filters) ([]*Run, error) {
	var conditions []string
	var args []interface{}

	if filters.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filters.Command)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := fmt.Sprintf(`
		SELECT id, run_id, command, started_at, finished_at, target, group_names, changes,
		       backup_path, state, status, error, dry_run, restarted, details
		FROM runs %s
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, whereClause)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// GetRun retrieves a single run by its run ID
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, run_id, command, started_at, finished_at, target, group_names, changes,
		       backup_path, state, status, error, dry_run, restarted, details
		FROM runs
		WHERE run_id = ?
	`

	run, err := s.scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// PurgeRuns deletes runs older than specified days
func (s *SQLiteStore) PurgeRuns(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixNano()

	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}

	return int(deleted), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var startedAt, finishedAt int64
	var groups, backupPath, errText, detailsJSON sql.NullString

	err := row.Scan(
		&run.ID,
		&run.RunID,
		&run.Command,
		&startedAt,
		&finishedAt,
		&run.Target,
		&groups,
		&run.Changes,
		&backupPath,
		&run.State,
		&run.Status,
		&errText,
		&run.DryRun,
		&run.Restarted,
		&detailsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.StartedAt = time.Unix(0, startedAt)
	run.FinishedAt = time.Unix(0, finishedAt)
	run.BackupPath = backupPath.String
	run.Error = errText.String
	if groups.String != "" {
		run.Groups = strings.Split(groups.String, ",")
	}

	// Parse details JSON
	run.Details = make(map[string]interface{})
	if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &run.Details); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal run details")
		}
	}

	return run, nil
}

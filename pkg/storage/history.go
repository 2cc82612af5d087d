// Package storage persists build history in SQLite.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// BuildRecord is one row of build history.
type BuildRecord struct {
	BuildID        string     `json:"build_id"`
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Instructions   string     `json:"instructions"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	EventCount     int        `json:"event_count"`
	OutputDir      string     `json:"output_dir,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Store manages the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; WAL mode keeps readers unblocked.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBuildStart inserts a running build row.
func (s *Store) RecordBuildStart(ctx context.Context, rec BuildRecord) error {
	if rec.Status == "" {
		rec.Status = "running"
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_history (build_id, session_id, conversation_id, instructions, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.BuildID, rec.SessionID, rec.ConversationID, rec.Instructions, rec.Status, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record build start: %w", err)
	}
	return nil
}

// FinishBuild marks a build terminal with its outcome.
func (s *Store) FinishBuild(ctx context.Context, buildID, status string, exitCode, eventCount int, outputDir, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_history
		SET status = ?, exit_code = ?, event_count = ?, output_dir = ?, error = ?, finished_at = ?
		WHERE build_id = ?`,
		status, exitCode, eventCount, outputDir, errMsg, time.Now().UTC(), buildID)
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("build %s not found", buildID)
	}
	return nil
}

// RecentBuilds returns up to limit builds, newest first.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, session_id, conversation_id, instructions, status,
		       exit_code, event_count, output_dir, error, started_at, finished_at
		FROM build_history
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// BuildsForSession returns a session's builds, newest first.
func (s *Store) BuildsForSession(ctx context.Context, sessionID string) ([]BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, session_id, conversation_id, instructions, status,
		       exit_code, event_count, output_dir, error, started_at, finished_at
		FROM build_history
		WHERE session_id = ?
		ORDER BY started_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

func scanBuilds(rows *sql.Rows) ([]BuildRecord, error) {
	var builds []BuildRecord
	for rows.Next() {
		var (
			rec        BuildRecord
			convID     sql.NullString
			exitCode   sql.NullInt64
			outputDir  sql.NullString
			errMsg     sql.NullString
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&rec.BuildID, &rec.SessionID, &convID, &rec.Instructions, &rec.Status,
			&exitCode, &rec.EventCount, &outputDir, &errMsg, &rec.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		rec.ConversationID = convID.String
		rec.OutputDir = outputDir.String
		rec.Error = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		builds = append(builds, rec)
	}
	return builds, rows.Err()
}

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS active_upload (
	slot             INTEGER PRIMARY KEY CHECK (slot = 1),
	session_id       TEXT    NOT NULL,
	job_id           TEXT    NOT NULL DEFAULT '',
	file_name        TEXT    NOT NULL DEFAULT '',
	file_size        INTEGER NOT NULL DEFAULT 0,
	file_type        TEXT    NOT NULL DEFAULT '',
	file_path        TEXT    NOT NULL DEFAULT '',
	generate_summary INTEGER NOT NULL DEFAULT 0,
	status           TEXT    NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	started_at       TEXT    NOT NULL DEFAULT '',
	last_sync        TEXT    NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore is the primary store, a single-row table in a local database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (UploadSession, error) {
	var (
		out                UploadSession
		summary            int
		status             string
		startedAt, lastRun string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, job_id, file_name, file_size, file_type, file_path,
		       generate_summary, status, progress, started_at, last_sync, retry_count
		FROM active_upload WHERE slot = 1`).Scan(
		&out.SessionID, &out.JobID, &out.FileName, &out.FileSize, &out.FileType, &out.FilePath,
		&summary, &status, &out.Progress, &startedAt, &lastRun, &out.RetryCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadSession{}, errEmpty
	}
	if err != nil {
		return UploadSession{}, fmt.Errorf("load session: %w", err)
	}
	out.GenerateSummary = summary != 0
	out.Status = Status(status)
	out.StartedAt = parseTime(startedAt)
	out.LastSync = parseTime(lastRun)
	return out, nil
}

func (s *SQLiteStore) Save(ctx context.Context, u UploadSession) error {
	summary := 0
	if u.GenerateSummary {
		summary = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_upload (slot, session_id, job_id, file_name, file_size, file_type, file_path,
		                           generate_summary, status, progress, started_at, last_sync, retry_count)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET
			session_id = excluded.session_id, job_id = excluded.job_id,
			file_name = excluded.file_name, file_size = excluded.file_size,
			file_type = excluded.file_type, file_path = excluded.file_path,
			generate_summary = excluded.generate_summary, status = excluded.status,
			progress = excluded.progress, started_at = excluded.started_at,
			last_sync = excluded.last_sync, retry_count = excluded.retry_count`,
		u.SessionID, u.JobID, u.FileName, u.FileSize, u.FileType, u.FilePath,
		summary, string(u.Status), u.Progress, formatTime(u.StartedAt), formatTime(u.LastSync), u.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

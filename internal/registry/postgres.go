package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT        NOT NULL,
	file_name         TEXT        NOT NULL,
	file_size         BIGINT      NOT NULL,
	language          TEXT        NOT NULL DEFAULT '',
	generate_summary  BOOLEAN     NOT NULL DEFAULT FALSE,
	progress          JSONB       NOT NULL,
	result            JSONB,
	error             TEXT        NOT NULL DEFAULT '',
	processing_events JSONB       NOT NULL DEFAULT '[]'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transcription_jobs_created_at_idx ON transcription_jobs (created_at DESC);
`

const selectColumns = `id, status, file_name, file_size, language, generate_summary,
	progress, result, error, processing_events, created_at, updated_at`

// PostgresStore shares jobs between API instances through one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// OpenPostgres connects, pings and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, log *logger.Logger) (*PostgresStore, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("registry.postgres")

	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = "voice-transcribe"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info("connected to job database")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, job types.Job) error {
	progress, result, err := encodeJob(job)
	if err != nil {
		return err
	}
	events, err := json.Marshal(nonNilEvents(job.ProcessingEvents))
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transcription_jobs (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10::jsonb, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Status), job.FileName, job.FileSize, job.Language, job.GenerateSummary,
		progress, result, job.Error, string(events), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (types.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transcription_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) FindByTaskID(ctx context.Context, taskID string) (types.Job, error) {
	if taskID == "" {
		return types.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+` FROM transcription_jobs
		WHERE id = $1 OR right(id, length($1) + 1) = ':' || $1
		ORDER BY created_at DESC
		LIMIT 1`, taskID)
	return scanJob(row)
}

func (s *PostgresStore) Update(ctx context.Context, job types.Job) error {
	progress, result, err := encodeJob(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET status = $2, file_name = $3, file_size = $4, language = $5, generate_summary = $6,
		    progress = $7::jsonb, result = $8::jsonb, error = $9, updated_at = $10
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILURE', 'CANCELLED')`,
		job.ID, string(job.Status), job.FileName, job.FileSize, job.Language, job.GenerateSummary,
		progress, result, job.Error, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transcription_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if exists {
			return ErrTerminal
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id string, ev types.ProcessingEvent) error {
	b, err := json.Marshal([]types.ProcessingEvent{ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transcription_jobs
		SET processing_events = processing_events || $2::jsonb
		WHERE id = $1`, id, string(b))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcription_jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]types.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM transcription_jobs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func encodeJob(job types.Job) (progress string, result *string, err error) {
	p, err := json.Marshal(job.Progress)
	if err != nil {
		return "", nil, fmt.Errorf("encode progress: %w", err)
	}
	if job.Result != nil {
		r, err := json.Marshal(job.Result)
		if err != nil {
			return "", nil, fmt.Errorf("encode result: %w", err)
		}
		rs := string(r)
		result = &rs
	}
	return string(p), result, nil
}

func scanJob(row pgx.Row) (types.Job, error) {
	var (
		job                      types.Job
		status                   string
		progress, result, events []byte
	)
	err := row.Scan(&job.ID, &status, &job.FileName, &job.FileSize, &job.Language, &job.GenerateSummary,
		&progress, &result, &job.Error, &events, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Job{}, ErrNotFound
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = types.JobStatus(status)
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return types.Job{}, fmt.Errorf("decode progress: %w", err)
	}
	if len(result) > 0 {
		var res types.Result
		if err := json.Unmarshal(result, &res); err != nil {
			return types.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &job.ProcessingEvents); err != nil {
			return types.Job{}, fmt.Errorf("decode events: %w", err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func nonNilEvents(events []types.ProcessingEvent) []types.ProcessingEvent {
	if events == nil {
		return []types.ProcessingEvent{}
	}
	return events
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amishk599/harvester/internal/model"
)

// ConnectPostgres creates and verifies a pgxpool connection pool.
func ConnectPostgres(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS harvester_jobs (
	id              TEXT PRIMARY KEY,
	queue           TEXT NOT NULL,
	url             TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	mode            TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT '',
	persist_result  BOOLEAN NOT NULL DEFAULT FALSE,
	submitted_at    TIMESTAMPTZ NOT NULL,
	state           TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	scheduled_at    TIMESTAMPTZ NOT NULL,
	lease_until     TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	last_error_kind TEXT NOT NULL DEFAULT '',
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS harvester_jobs_due ON harvester_jobs (queue, state, scheduled_at);
`

// PostgresStore is a JobStore for deployments running several harvester
// processes against one database. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never lease the same job.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore ensures the harvester_jobs table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("creating harvester_jobs table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, job model.Job) error {
	resultJSON, err := encodeResultBytes(job.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO harvester_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.Queue, job.Args.URL, job.Args.UserID, string(job.Args.Mode), job.Args.Provider,
		job.Args.PersistResult, job.Args.SubmittedAt,
		string(job.State), job.AttemptCount, job.MaxAttempts, job.ScheduledAt, job.LeaseUntil,
		job.LastError, job.LastErrorKind, resultJSON, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM harvester_jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrJobNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	var where []string
	var args []any
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Queue != "" {
		args = append(args, f.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM harvester_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (model.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `UPDATE harvester_jobs
		SET state = 'executing', attempt_count = attempt_count + 1, lease_until = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM harvester_jobs
			WHERE queue = $3 AND state IN ('scheduled', 'retrying') AND scheduled_at <= $2
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now.Add(lease), now, queue,
	)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("claiming job from %s: %w", queue, err)
	}
	return job, true, nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string, attempt int, result model.ExtractionResult, now time.Time) error {
	resultJSON, err := encodeResultBytes(&result)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, "mark succeeded", `UPDATE harvester_jobs
		SET state = 'succeeded', result = $1, lease_until = NULL, last_error = '', last_error_kind = '', updated_at = $2
		WHERE id = $3 AND state = 'executing' AND attempt_count = $4`,
		resultJSON, now, id, attempt)
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, id string, attempt int, next time.Time, lastErr, kind string, now time.Time) error {
	return s.transition(ctx, id, "mark retrying", `UPDATE harvester_jobs
		SET state = 'retrying', scheduled_at = $1, lease_until = NULL, last_error = $2, last_error_kind = $3, updated_at = $4
		WHERE id = $5 AND state = 'executing' AND attempt_count = $6`,
		next, lastErr, kind, now, id, attempt)
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, id string, attempt int, lastErr, kind string, now time.Time) error {
	return s.transition(ctx, id, "dead-letter", `UPDATE harvester_jobs
		SET state = 'dead_lettered', lease_until = NULL, last_error = $1, last_error_kind = $2, updated_at = $3
		WHERE id = $4 AND state = 'executing' AND attempt_count = $5`,
		lastErr, kind, now, id, attempt)
}

func (s *PostgresStore) Cancel(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, "cancel", `UPDATE harvester_jobs
		SET state = 'cancelled', updated_at = $1
		WHERE id = $2 AND state IN ('scheduled', 'retrying')`,
		now, id)
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, "requeue", `UPDATE harvester_jobs
		SET state = 'scheduled', attempt_count = 0, scheduled_at = $1, last_error = '', last_error_kind = '', updated_at = $1
		WHERE id = $2 AND state = 'dead_lettered'`,
		now, id)
}

func (s *PostgresStore) RecoverExpired(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, `UPDATE harvester_jobs
		SET state = CASE WHEN attempt_count >= max_attempts THEN 'dead_lettered' ELSE 'retrying' END,
			scheduled_at = $1, lease_until = NULL,
			last_error = 'lease expired before the attempt finished', last_error_kind = 'lease_expired',
			updated_at = $1
		WHERE state = 'executing' AND lease_until < $1
		RETURNING `+jobColumns,
		now)
	if err != nil {
		return nil, fmt.Errorf("recovering expired leases: %w", err)
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) transition(ctx context.Context, id, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state string
	err = s.pool.QueryRow(ctx, "SELECT state FROM harvester_jobs WHERE id = $1", id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s job %s: %w", op, id, model.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	return fmt.Errorf("%s job %s in state %s: %w", op, id, state, model.ErrInvalidTransition)
}

func scanPgJob(r pgx.Row) (model.Job, error) {
	var (
		job         model.Job
		mode, state string
		lease       *time.Time
		result      []byte
	)
	err := r.Scan(
		&job.ID, &job.Queue, &job.Args.URL, &job.Args.UserID, &mode, &job.Args.Provider,
		&job.Args.PersistResult, &job.Args.SubmittedAt,
		&state, &job.AttemptCount, &job.MaxAttempts, &job.ScheduledAt, &lease,
		&job.LastError, &job.LastErrorKind, &result, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, err
	}
	job.Args.Mode = model.Mode(mode)
	job.State = model.JobState(state)
	job.LeaseUntil = lease
	if len(result) > 0 {
		var r model.ExtractionResult
		if err := json.Unmarshal(result, &r); err != nil {
			return model.Job{}, fmt.Errorf("decoding result of job %s: %w", job.ID, err)
		}
		job.Result = &r
	}
	return job, nil
}

func collectPgJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

func encodeResultBytes(r *model.ExtractionResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return b, nil
}

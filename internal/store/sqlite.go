package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amishk599/harvester/internal/model"
)

// OpenSQLite opens (or creates) the SQLite database at dbPath. The returned
// handle is shared by the job store, result sink and audit log; writes are
// serialized through a single connection.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Verify the connection is alive.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	return db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	queue           TEXT NOT NULL,
	url             TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	mode            TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT '',
	persist_result  INTEGER NOT NULL DEFAULT 0,
	submitted_at    INTEGER NOT NULL,
	state           TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	scheduled_at    INTEGER NOT NULL,
	lease_until     INTEGER,
	last_error      TEXT NOT NULL DEFAULT '',
	last_error_kind TEXT NOT NULL DEFAULT '',
	result          TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_due ON jobs (queue, state, scheduled_at);

CREATE TABLE IF NOT EXISTS extraction_results (
	job_id         TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	source_url     TEXT NOT NULL,
	company_name   TEXT,
	position_title TEXT,
	payload        TEXT NOT NULL,
	extracted_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS extraction_results_user ON extraction_results (user_id, extracted_at);
`

const jobColumns = `id, queue, url, user_id, mode, provider, persist_result, submitted_at,
	state, attempt_count, max_attempts, scheduled_at, lease_until,
	last_error, last_error_kind, result, created_at, updated_at`

// SQLiteStore persists jobs and extraction results in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the jobs and extraction_results tables exist on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating job tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, job model.Job) error {
	resultJSON, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Args.URL, job.Args.UserID, string(job.Args.Mode), job.Args.Provider,
		job.Args.PersistResult, nanos(job.Args.SubmittedAt),
		string(job.State), job.AttemptCount, job.MaxAttempts, nanos(job.ScheduledAt), nullNanos(job.LeaseUntil),
		job.LastError, job.LastErrorKind, resultJSON, nanos(job.CreatedAt), nanos(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrJobNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *SQLiteStore) Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE jobs
		SET state = 'executing', attempt_count = attempt_count + 1, lease_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND state IN ('scheduled', 'retrying') AND scheduled_at <= ?
			ORDER BY scheduled_at, created_at
			LIMIT 1
		) AND state IN ('scheduled', 'retrying')
		RETURNING `+jobColumns,
		nanos(now.Add(lease)), nanos(now), queue, nanos(now),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("claiming job from %s: %w", queue, err)
	}
	return job, true, nil
}

func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id string, attempt int, result model.ExtractionResult, now time.Time) error {
	resultJSON, err := encodeResult(&result)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, "mark succeeded", `UPDATE jobs
		SET state = 'succeeded', result = ?, lease_until = NULL, last_error = '', last_error_kind = '', updated_at = ?
		WHERE id = ? AND state = 'executing' AND attempt_count = ?`,
		resultJSON, nanos(now), id, attempt)
}

func (s *SQLiteStore) MarkRetrying(ctx context.Context, id string, attempt int, next time.Time, lastErr, kind string, now time.Time) error {
	return s.transition(ctx, id, "mark retrying", `UPDATE jobs
		SET state = 'retrying', scheduled_at = ?, lease_until = NULL, last_error = ?, last_error_kind = ?, updated_at = ?
		WHERE id = ? AND state = 'executing' AND attempt_count = ?`,
		nanos(next), lastErr, kind, nanos(now), id, attempt)
}

func (s *SQLiteStore) MarkDeadLettered(ctx context.Context, id string, attempt int, lastErr, kind string, now time.Time) error {
	return s.transition(ctx, id, "dead-letter", `UPDATE jobs
		SET state = 'dead_lettered', lease_until = NULL, last_error = ?, last_error_kind = ?, updated_at = ?
		WHERE id = ? AND state = 'executing' AND attempt_count = ?`,
		lastErr, kind, nanos(now), id, attempt)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, "cancel", `UPDATE jobs
		SET state = 'cancelled', updated_at = ?
		WHERE id = ? AND state IN ('scheduled', 'retrying')`,
		nanos(now), id)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, id, "requeue", `UPDATE jobs
		SET state = 'scheduled', attempt_count = 0, scheduled_at = ?, last_error = '', last_error_kind = '', updated_at = ?
		WHERE id = ? AND state = 'dead_lettered'`,
		nanos(now), nanos(now), id)
}

func (s *SQLiteStore) RecoverExpired(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE jobs
		SET state = CASE WHEN attempt_count >= max_attempts THEN 'dead_lettered' ELSE 'retrying' END,
			scheduled_at = ?, lease_until = NULL,
			last_error = 'lease expired before the attempt finished', last_error_kind = 'lease_expired',
			updated_at = ?
		WHERE state = 'executing' AND lease_until < ?
		RETURNING `+jobColumns,
		nanos(now), nanos(now), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("recovering expired leases: %w", err)
	}
	return collectJobs(rows)
}

// transition runs a guarded UPDATE and turns "no row changed" into
// ErrJobNotFound or ErrInvalidTransition.
func (s *SQLiteStore) transition(ctx context.Context, id, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	if n == 1 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s job %s: %w", op, id, model.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	return fmt.Errorf("%s job %s in state %s: %w", op, id, state, model.ErrInvalidTransition)
}

// SaveResult stores a result handed over by a persist_result request.
// Saving twice for the same job replaces the earlier row.
func (s *SQLiteStore) SaveResult(ctx context.Context, userID, jobID string, result model.ExtractionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result for job %s: %w", jobID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO extraction_results
		(job_id, user_id, source_url, company_name, position_title, payload, extracted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, userID, result.SourceURL, result.CompanyName, result.PositionTitle, string(payload), nanos(result.ExtractedAt))
	if err != nil {
		return fmt.Errorf("saving result for job %s: %w", jobID, err)
	}
	return nil
}

// Results returns the saved results of userID, newest first.
func (s *SQLiteStore) Results(ctx context.Context, userID string, limit int) ([]model.ExtractionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM extraction_results
		WHERE user_id = ? ORDER BY extracted_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.ExtractionResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		var r model.ExtractionResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (model.Job, error) {
	var (
		job                                    model.Job
		mode, state                            string
		submitted, scheduled, created, updated int64
		lease                                  sql.NullInt64
		result                                 sql.NullString
	)
	err := r.Scan(
		&job.ID, &job.Queue, &job.Args.URL, &job.Args.UserID, &mode, &job.Args.Provider,
		&job.Args.PersistResult, &submitted,
		&state, &job.AttemptCount, &job.MaxAttempts, &scheduled, &lease,
		&job.LastError, &job.LastErrorKind, &result, &created, &updated,
	)
	if err != nil {
		return model.Job{}, err
	}
	job.Args.Mode = model.Mode(mode)
	job.State = model.JobState(state)
	job.Args.SubmittedAt = fromNanos(submitted)
	job.ScheduledAt = fromNanos(scheduled)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	if lease.Valid {
		t := fromNanos(lease.Int64)
		job.LeaseUntil = &t
	}
	if result.Valid && result.String != "" {
		var r model.ExtractionResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return model.Job{}, fmt.Errorf("decoding result of job %s: %w", job.ID, err)
		}
		job.Result = &r
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
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

func encodeResult(r *model.ExtractionResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return string(b), nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

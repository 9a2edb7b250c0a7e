// Package queue provides named, durable job queues over SQLite. Jobs carry a
// caller-chosen id that doubles as a deduplication key, retry with
// exponential backoff, and persist their progress and log lines so the CLI
// can inspect in-flight work.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifter/internal/services"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    queue TEXT NOT NULL,
    name TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 1,
    backoff_ms INTEGER NOT NULL DEFAULT 0,
    run_at TEXT NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    log TEXT NOT NULL DEFAULT '',
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status, run_at);
`

// Store manages job persistence. It shares the catalog database handle so a
// stage's status writes and job updates hit the same WAL.
type Store struct {
	db *sql.DB
}

// New attaches the job tables to an open database.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("queue: nil database handle")
	}
	if _, err := db.Exec(jobsSchema); err != nil {
		return nil, fmt.Errorf("apply jobs schema: %w", err)
	}
	return &Store{db: db}, nil
}

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == 5 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	delay := busyRetryInitialBackoff
	var (
		res     sql.Result
		lastErr error
	)
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		res, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return res, nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return nil, lastErr
}

func stamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseStamp(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// AddOptions tunes enqueue behavior.
type AddOptions struct {
	// JobID deduplicates: an active job with the same id short-circuits the
	// enqueue. Empty means a random id with no deduplication.
	JobID string
	// Attempts is the total tries before the job fails. Zero means one.
	Attempts int
	// Backoff is the base retry delay; attempt n waits Backoff * 2^(n-1).
	Backoff time.Duration
	// Delay postpones the first run.
	Delay time.Duration
}

// Add enqueues a job. The payload is stored as JSON. It returns the job id
// and whether a new job was actually created (false when deduplicated).
func (s *Store) Add(ctx context.Context, queueName, name string, payload any, opts AddOptions) (string, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	created := time.Now()
	runAt := created.Add(opts.Delay)

	// An existing pending or running job with this id wins; a finished one is
	// replaced so the work can run again.
	res, err := s.exec(ctx,
		`INSERT INTO jobs (id, queue, name, payload, status, attempts, max_attempts, backoff_ms, run_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             queue = excluded.queue,
             name = excluded.name,
             payload = excluded.payload,
             status = excluded.status,
             attempts = 0,
             max_attempts = excluded.max_attempts,
             backoff_ms = excluded.backoff_ms,
             run_at = excluded.run_at,
             progress = 0,
             log = '',
             last_error = NULL,
             updated_at = excluded.updated_at
         WHERE jobs.status IN (?, ?)`,
		id, queueName, name, string(body), StatusPending, attempts,
		opts.Backoff.Milliseconds(), stamp(runAt), stamp(created), stamp(created),
		StatusCompleted, StatusFailed,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("enqueue rows: %w", err)
	}
	return id, affected > 0, nil
}

// Claim atomically takes the oldest runnable job from the queue, or returns
// nil when the queue is idle.
func (s *Store) Claim(ctx context.Context, queueName string) (*Job, error) {
	nowStamp := stamp(time.Now())
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
         WHERE id = (
             SELECT id FROM jobs
             WHERE queue = ? AND status = ? AND run_at <= ?
             ORDER BY run_at LIMIT 1
         )
         RETURNING id, queue, name, payload, attempts, max_attempts, backoff_ms, progress, log, created_at`,
		StatusRunning, nowStamp, queueName, StatusPending, nowStamp)

	job := &Job{store: s}
	var createdAt string
	err := row.Scan(&job.id, &job.queue, &job.name, &job.payload, &job.attempts,
		&job.maxAttempts, &job.backoffMS, &job.progress, &job.log, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if isSQLiteBusy(err) {
			return nil, services.Wrap(services.ErrBusy, "queue", "claim", "database busy", err)
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job.createdAt = parseStamp(createdAt)
	return job, nil
}

// Complete marks a running job done.
func (s *Store) Complete(ctx context.Context, id string) error {
	if _, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, progress = 100, updated_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, stamp(time.Now()), id, StatusRunning); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records a job failure. Retryable errors with remaining attempts go
// back to pending after an exponential backoff; everything else fails hard.
func (s *Store) Fail(ctx context.Context, job *Job, cause error) error {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}

	if services.Retryable(cause) && job.attempts < job.maxAttempts {
		delay := time.Duration(job.backoffMS) * time.Millisecond
		if delay > 0 {
			delay <<= uint(job.attempts - 1)
		}
		if _, err := s.exec(ctx,
			`UPDATE jobs SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			StatusPending, stamp(time.Now().Add(delay)), message, stamp(time.Now()), job.id); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return nil
	}

	if _, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, message, stamp(time.Now()), job.id); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Release puts a running job back to pending after a delay, refunding the
// attempt. Used when a stage yields because another worker already holds the
// entity it needs; yielding is not a failure.
func (s *Store) Release(ctx context.Context, job *Job, delay time.Duration) error {
	if _, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts - 1, run_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusPending, stamp(time.Now().Add(delay)), stamp(time.Now()), job.id, StatusRunning); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// JobRecord is a read-only snapshot for listings.
type JobRecord struct {
	ID          string
	Queue       string
	Name        string
	Status      Status
	Attempts    int
	MaxAttempts int
	Progress    int
	LastError   string
	RunAt       time.Time
	UpdatedAt   time.Time
}

// List returns jobs, optionally filtered by queue and statuses, newest first.
func (s *Store) List(ctx context.Context, queueName string, statuses ...Status) ([]JobRecord, error) {
	query := `SELECT id, queue, name, status, attempts, max_attempts, progress, COALESCE(last_error, ''), run_at, updated_at FROM jobs`
	var (
		clauses []string
		args    []any
	)
	if queueName != "" {
		clauses = append(clauses, "queue = ?")
		args = append(args, queueName)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, status := range statuses {
			marks[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var (
			record           JobRecord
			runAt, updatedAt string
		)
		if err := rows.Scan(&record.ID, &record.Queue, &record.Name, &record.Status,
			&record.Attempts, &record.MaxAttempts, &record.Progress, &record.LastError, &runAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		record.RunAt = parseStamp(runAt)
		record.UpdatedAt = parseStamp(updatedAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// Stats tallies jobs per queue and status.
func (s *Store) Stats(ctx context.Context) (map[string]map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue, status, COUNT(1) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[Status]int)
	for rows.Next() {
		var (
			queueName string
			status    Status
			count     int
		)
		if err := rows.Scan(&queueName, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if stats[queueName] == nil {
			stats[queueName] = make(map[Status]int)
		}
		stats[queueName][status] = count
	}
	return stats, rows.Err()
}

// RetryFailed returns failed jobs to pending. With no ids it retries every
// failed job. Returns the number requeued.
func (s *Store) RetryFailed(ctx context.Context, ids ...string) (int64, error) {
	nowStamp := stamp(time.Now())
	var (
		res sql.Result
		err error
	)
	if len(ids) == 0 {
		res, err = s.exec(ctx,
			`UPDATE jobs SET status = ?, attempts = 0, run_at = ?, last_error = NULL, updated_at = ? WHERE status = ?`,
			StatusPending, nowStamp, nowStamp, StatusFailed)
	} else {
		args := []any{StatusPending, nowStamp, nowStamp, StatusFailed}
		marks := make([]string, len(ids))
		for i, id := range ids {
			marks[i] = "?"
			args = append(args, id)
		}
		res, err = s.exec(ctx,
			`UPDATE jobs SET status = ?, attempts = 0, run_at = ?, last_error = NULL, updated_at = ?
             WHERE status = ? AND id IN (`+strings.Join(marks, ", ")+`)`, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetRunning returns running jobs to pending. Called at daemon startup to
// reclaim work orphaned by a crash.
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	nowStamp := stamp(time.Now())
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, run_at = ?, updated_at = ? WHERE status = ?`,
		StatusPending, nowStamp, nowStamp, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes finished jobs. Returns the number deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE status IN (?, ?)`, StatusCompleted, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return res.RowsAffected()
}

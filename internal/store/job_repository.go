package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/dovos/conversation-archive/internal/clock"
	"github.com/dovos/conversation-archive/internal/domain"
)

// JobRepository implements the Job Queue's persistence (spec §4.D),
// grounded directly on db/repositories/job_repository.py including its
// SKIP LOCKED dequeue statement and exponential-backoff formula.
type JobRepository struct {
	q     querier
	clock clock.Clock
}

// Jobs returns a repository bound directly to the pool.
func (d *DB) Jobs() *JobRepository {
	return &JobRepository{q: d.conn, clock: d.clock}
}

// Enqueue inserts a new pending job, returning its id. not_before defaults
// to now when the zero Time is passed.
func (r *JobRepository) Enqueue(ctx context.Context, kind string, payload map[string]interface{}, notBefore time.Time) (int64, error) {
	if notBefore.IsZero() {
		notBefore = r.clock.Now()
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal job payload: %w", err)
	}

	now := r.clock.Now()
	var id int64
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO jobs (kind, payload, status, attempts, not_before, created_at, updated_at)
		VALUES ($1, $2, 'pending', 0, $3, $4, $4)
		RETURNING id`, kind, payloadJSON, notBefore, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue job: %w", err)
	}
	return id, nil
}

// DequeueNext atomically claims the lexicographically-smallest
// (not_before, id) eligible job, transitioning it to running and
// incrementing attempts, exactly matching the SQL shape in spec §6:
//
//	UPDATE jobs SET status='running', attempts=attempts+1, updated_at=now()
//	WHERE id = (SELECT id FROM jobs WHERE status='pending' AND not_before <= now()
//	            AND attempts < :max [AND kind = ANY(:kinds)]
//	            ORDER BY not_before, id FOR UPDATE SKIP LOCKED LIMIT 1)
//	RETURNING *
//
// Returns (nil, nil) when no row is eligible.
func (r *JobRepository) DequeueNext(ctx context.Context, kinds []string, maxAttempts int) (*domain.Job, error) {
	now := r.clock.Now()

	query := `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND not_before <= $1 AND attempts < $2`
	args := []interface{}{now, maxAttempts}

	if len(kinds) > 0 {
		query += " AND kind = ANY($3)"
		args = append(args, pq.Array(kinds))
	}
	query += `
			ORDER BY not_before, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, kind, payload, status, attempts, not_before, created_at, updated_at`

	row := r.q.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err == domain.ErrJobNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkCompleted transitions a job to completed.
func (r *JobRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = $2 WHERE id = $1`,
		id, r.clock.Now())
	if err != nil {
		return fmt.Errorf("store: mark job completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to failed if it has exhausted its attempt
// budget, otherwise reschedules it with exponential backoff:
// not_before = now + retry_minutes * 2^(attempts-1) (spec §4.D).
func (r *JobRepository) MarkFailed(ctx context.Context, id int64, retryDelayMinutes int, maxAttempts int) error {
	var attempts int
	if err := r.q.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = $1`, id).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("store: read job attempts: %w", err)
	}

	now := r.clock.Now()
	if attempts >= maxAttempts {
		_, err := r.q.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', updated_at = $2 WHERE id = $1`, id, now)
		if err != nil {
			return fmt.Errorf("store: mark job failed: %w", err)
		}
		return nil
	}

	delay := time.Duration(float64(retryDelayMinutes)*math.Pow(2, float64(attempts-1))) * time.Minute
	notBefore := now.Add(delay)
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', not_before = $2, updated_at = $3 WHERE id = $1`,
		id, notBefore, now)
	if err != nil {
		return fmt.Errorf("store: reschedule job: %w", err)
	}
	return nil
}

// FailWithoutRetry marks a job failed immediately, used for
// JobPayloadInvalid / MessageMissing (spec §7) where retrying cannot help.
func (r *JobRepository) FailWithoutRetry(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', updated_at = $2 WHERE id = $1`, id, r.clock.Now())
	if err != nil {
		return fmt.Errorf("store: fail job without retry: %w", err)
	}
	return nil
}

// CleanupStuck reverts running rows untouched for longer than staleAfter
// back to pending, recovering from worker crashes (spec §4.D, §7 StuckRunning).
func (r *JobRepository) CleanupStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-staleAfter)
	res, err := r.q.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = $2
		WHERE status = 'running' AND updated_at < $1`, cutoff, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup stuck: %w", err)
	}
	return res.RowsAffected()
}

// CleanupCompleted prunes completed rows older than retention.
func (r *JobRepository) CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.clock.Now().Add(-retention)
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup completed: %w", err)
	}
	return res.RowsAffected()
}

// GetByID fetches a single job.
func (r *JobRepository) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, kind, payload, status, attempts, not_before, created_at, updated_at
		FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetPendingJobs, GetRunningJobs, GetFailedJobs are read-only introspection
// helpers supplemented from db/repositories/job_repository.py (SPEC_FULL §3).
func (r *JobRepository) GetPendingJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return r.listByStatus(ctx, domain.JobPending, limit)
}

func (r *JobRepository) GetRunningJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return r.listByStatus(ctx, domain.JobRunning, limit)
}

func (r *JobRepository) GetFailedJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return r.listByStatus(ctx, domain.JobFailed, limit)
}

func (r *JobRepository) listByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, kind, payload, status, attempts, not_before, created_at, updated_at
		FROM jobs WHERE status = $1 ORDER BY not_before, id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// QueueStats summarizes job counts per status, a supplemented feature.
type QueueStats struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// GetQueueStats returns counts of jobs by status.
func (r *JobRepository) GetQueueStats(ctx context.Context) (QueueStats, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()

	var s QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, fmt.Errorf("store: scan queue stats: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			s.Pending = count
		case domain.JobRunning:
			s.Running = count
		case domain.JobCompleted:
			s.Completed = count
		case domain.JobFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

// GetEmbeddingJobStats summarizes only generate_embedding jobs, a
// supplemented feature from the original service's get_embedding_job_stats.
func (r *JobRepository) GetEmbeddingJobStats(ctx context.Context) (QueueStats, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT status, count(*) FROM jobs WHERE kind = $1 GROUP BY status`,
		domain.JobKindGenerateEmbedding)
	if err != nil {
		return QueueStats{}, fmt.Errorf("store: embedding job stats: %w", err)
	}
	defer rows.Close()

	var s QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return s, fmt.Errorf("store: scan embedding job stats: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			s.Pending = count
		case domain.JobRunning:
			s.Running = count
		case domain.JobCompleted:
			s.Completed = count
		case domain.JobFailed:
			s.Failed = count
		}
	}
	return s, rows.Err()
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	return scanJobScanner(row)
}

func scanJobRows(rows *sql.Rows) (*domain.Job, error) {
	return scanJobScanner(rows)
}

func scanJobScanner(s rowScanner) (*domain.Job, error) {
	var j domain.Job
	var status string
	var payloadJSON []byte
	if err := s.Scan(&j.ID, &j.Kind, &payloadJSON, &status, &j.Attempts, &j.NotBefore, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	j.Status = domain.JobStatus(status)
	j.Payload = map[string]interface{}{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
			return nil, fmt.Errorf("store: unmarshal job payload: %w", err)
		}
	}
	return &j, nil
}

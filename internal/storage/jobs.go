package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobTimeLayout = time.RFC3339

// Retry delays for failed jobs: the first retry waits jobBackoffBase and each
// later one doubles it, up to jobBackoffMax.
const (
	jobBackoffBase = 30 * time.Second
	jobBackoffMax  = 15 * time.Minute
)

// JobBackoff returns how long a job waits after its n-th failed attempt.
func JobBackoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := jobBackoffBase
	for i := 1; i < attempts && d < jobBackoffMax; i++ {
		d *= 2
	}
	return min(d, jobBackoffMax)
}

func (s *Store) nowUTC() string {
	return s.now().UTC().Format(jobTimeLayout)
}

// EnqueueSyncJob queues job unless a pending job with the same type and scope
// already exists. Reports whether a new row was inserted.
func (s *Store) EnqueueSyncJob(ctx context.Context, job Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	now := s.nowUTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_jobs (id, type, scope, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?)`,
		job.ID, job.Type, job.Scope, maxAttempts, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextJob moves the oldest due pending job of one of the given types to
// running and returns it. Returns nil when nothing is queued or every queued
// job is still backing off.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat(",?", len(types)-1)
	now := s.nowUTC()
	query := `SELECT id, type, scope, status, attempts, max_attempts, created_at, updated_at, last_error
		FROM sync_jobs
		WHERE status = 'pending' AND next_attempt_at <= ? AND type IN (?` + placeholders + `)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`
	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.Scope, &j.Status, &j.Attempts, &j.MaxAttempts,
		&createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.CreatedAt, err = time.Parse(jobTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(jobTimeLayout, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := s.nowUTC()
	res, err := s.db.ExecContext(ctx, `UPDATE sync_jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending, not to be
// claimed again before JobBackoff(attempts) has passed, until it reaches
// max_attempts or a newer pending job for the same type and scope covers it.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var typ, scope string
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT type, scope, attempts, max_attempts FROM sync_jobs WHERE id = ?`, id).
		Scan(&typ, &scope, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var superseded int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE type = ? AND scope = ? AND status = 'pending' AND id != ?`,
		typ, scope, id).Scan(&superseded); err != nil {
		return err
	}

	now := s.now().UTC()
	attempts++
	status := "pending"
	if attempts >= maxAttempts || superseded > 0 {
		status = "failed"
	}
	next := now.Add(JobBackoff(attempts)).Format(jobTimeLayout)
	if _, err := tx.ExecContext(ctx, `UPDATE sync_jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ?, next_attempt_at = ? WHERE id = ?`,
		status, attempts, errMsg, now.Format(jobTimeLayout), next, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueRunningJobs returns jobs left running by a previous process to the
// queue. Returns the number of jobs requeued.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_jobs SET status = 'pending', updated_at = ?
		WHERE status = 'running' AND NOT EXISTS (
			SELECT 1 FROM sync_jobs p
			WHERE p.type = sync_jobs.type AND p.scope = sync_jobs.scope AND p.status = 'pending'
		)`, s.nowUTC())
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var createdAt, updatedAt, nextAttempt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, type, scope, status, attempts, max_attempts, created_at, updated_at, last_error, next_attempt_at
		FROM sync_jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Type, &j.Scope, &j.Status, &j.Attempts, &j.MaxAttempts, &createdAt, &updatedAt, &lastError, &nextAttempt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.CreatedAt, err = time.Parse(jobTimeLayout, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", id, err)
	}
	if j.UpdatedAt, err = time.Parse(jobTimeLayout, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", id, err)
	}
	if nextAttempt != "" {
		if j.NextAttemptAt, err = time.Parse(jobTimeLayout, nextAttempt); err != nil {
			return Job{}, fmt.Errorf("parsing next_attempt_at for job %s: %w", id, err)
		}
	}
	return j, nil
}

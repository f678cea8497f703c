package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultMaxAttempts = 3

// retryDelay is the backoff before attempt n+1 after n failures: 2s, 4s, 8s...
func retryDelay(failures int) time.Duration {
	return time.Second << failures
}

// EnqueueJob adds job as pending. A zero RunAfter makes it claimable now and
// a zero MaxAttempts means three.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, status, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		timestamp(job.RunAfter), timestamp(now), timestamp(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob atomically moves the oldest due pending job of one of types to
// running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := timestamp(time.Now())

	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	row := s.db.QueryRow(`UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?`+strings.Repeat(", ?", len(types)-1)+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		args...)

	var (
		j                          Job
		runAfter, created, updated string
		lastError                  sql.NullString
	)
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTimestamp("run_after", runAfter); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTimestamp("created_at", created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTimestamp("updated_at", updated); err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob marks the job completed.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, timestamp(time.Now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job returns to pending after
// retryDelay, or becomes failed once its attempts are used up.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	var attempts, maxAttempts int
	err = tx.QueryRow(`UPDATE jobs SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? RETURNING attempts, max_attempts`,
		errMsg, timestamp(now), id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("recording failure of job %s: %w", id, err)
	}

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, JobFailed, id)
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = ?, run_after = ? WHERE id = ?`,
			JobPending, timestamp(now.Add(retryDelay(attempts))), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// JobCounts returns the number of jobs in each status.
func (s *Store) JobCounts() (JobCounts, error) {
	var c JobCounts
	slots := map[JobStatus]*int{
		JobPending:   &c.Pending,
		JobRunning:   &c.Running,
		JobCompleted: &c.Completed,
		JobFailed:    &c.Failed,
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return JobCounts{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return JobCounts{}, err
		}
		if p, ok := slots[status]; ok {
			*p = n
		}
	}
	return c, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateJobRequest records a new unit of remote work before any money moves.
type CreateJobRequest struct {
	AccountID      string `json:"account_id"`
	Provider       string `json:"provider"`
	IdempotencyKey string `json:"idempotency_key"`
	Cost           int64  `json:"cost"`
	Payload        string `json:"payload,omitempty"`
}

// CreateJob inserts a pending job. If a job already exists for the
// idempotency key, the existing job is returned with created=false so the
// caller can replay its outcome instead of running the work twice.
func (s *Store) CreateJob(req CreateJobRequest) (*Job, bool, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return nil, false, fmt.Errorf("account_id is required")
	}
	if strings.TrimSpace(req.Provider) == "" {
		return nil, false, fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, false, fmt.Errorf("idempotency_key is required")
	}

	jobID := NewJobID()
	res, err := s.writer.Execute(`
		INSERT OR IGNORE INTO jobs (id, account_id, provider, idempotency_key, cost, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, req.AccountID, req.Provider, req.IdempotencyKey, req.Cost, req.Payload,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 0 {
		existing, err := s.GetJobByKey(req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	job, err := s.GetJob(jobID)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// MarkSubmitted records the provider's task reference and moves the job
// from pending to submitted.
func (s *Store) MarkSubmitted(jobID, providerRef, statusURL string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(jobID, `
		UPDATE jobs SET state = 'submitted', provider_ref = ?, status_url = ?, submitted_at = ?
		WHERE id = ? AND state = 'pending'`,
		providerRef, nullable(statusURL), now, jobID)
}

// MarkPolling moves a submitted job into the polling state.
func (s *Store) MarkPolling(jobID string) error {
	return s.transition(jobID, `
		UPDATE jobs SET state = 'polling' WHERE id = ? AND state = 'submitted'`, jobID)
}

// MarkSucceeded finalizes a job with its result locator.
func (s *Store) MarkSucceeded(jobID, resultURL string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(jobID, `
		UPDATE jobs SET state = 'succeeded', result_url = ?, completed_at = ?
		WHERE id = ? AND state IN ('submitted', 'polling')`,
		nullable(resultURL), now, jobID)
}

// MarkFailed finalizes a job in one of the failure states
// (failed, timed_out, canceled) with a structured error.
func (s *Store) MarkFailed(jobID, state, errorKind, errorDetail string) error {
	switch state {
	case StateFailed, StateTimedOut, StateCanceled:
	default:
		return newStoreError(ErrorCodeInvalidTransition, fmt.Sprintf("%q is not a failure state", state))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(jobID, `
		UPDATE jobs SET state = ?, error_kind = ?, error_detail = ?, completed_at = ?
		WHERE id = ? AND state IN ('pending', 'submitted', 'polling')`,
		state, errorKind, errorDetail, now, jobID)
}

// transition runs a guarded state change; zero rows affected means the job
// either does not exist or is already past the expected state.
func (s *Store) transition(jobID, query string, args ...interface{}) error {
	res, err := s.writer.Execute(query, args...)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(jobID); err != nil {
			return err
		}
		return newStoreError(ErrorCodeInvalidTransition,
			fmt.Sprintf("job %s is not in an eligible state for this transition", jobID))
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	return s.queryJob("SELECT "+jobColumns+" FROM jobs WHERE id = ?", jobID)
}

// GetJobByKey returns a job by its idempotency key.
func (s *Store) GetJobByKey(key string) (*Job, error) {
	return s.queryJob("SELECT "+jobColumns+" FROM jobs WHERE idempotency_key = ?", key)
}

// ListJobsRequest filters the job listing.
type ListJobsRequest struct {
	AccountID string
	State     string
	Limit     int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(req ListJobsRequest) ([]Job, error) {
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := "SELECT " + jobColumns + " FROM jobs"
	var conds []string
	var args []interface{}
	if req.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, req.AccountID)
	}
	if req.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, req.State)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Read.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// StaleInFlight returns jobs stuck in submitted/polling whose submission is
// older than the given age. A crashed process leaves such jobs behind with an
// unsettled hold; the reconciler sweeps them.
func (s *Store) StaleInFlight(olderThan time.Duration) ([]Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	rows, err := s.db.Read.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('submitted', 'polling') AND submitted_at < ?
		ORDER BY submitted_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

const jobColumns = `id, account_id, provider, provider_ref, status_url, state,
	idempotency_key, cost, payload, result_url, error_kind, error_detail,
	created_at, submitted_at, completed_at`

func (s *Store) queryJob(query string, args ...interface{}) (*Job, error) {
	j, err := scanJob(s.db.Read.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, newStoreError(ErrorCodeNotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func scanJob(sc scanner) (*Job, error) {
	var j Job
	var providerRef, statusURL, payload, resultURL, errKind, errDetail sql.NullString
	var created string
	var submitted, completed sql.NullString
	if err := sc.Scan(
		&j.ID, &j.AccountID, &j.Provider, &providerRef, &statusURL, &j.State,
		&j.IdempotencyKey, &j.Cost, &payload, &resultURL, &errKind, &errDetail,
		&created, &submitted, &completed,
	); err != nil {
		return nil, err
	}
	if providerRef.Valid {
		j.ProviderRef = &providerRef.String
	}
	if statusURL.Valid {
		j.StatusURL = &statusURL.String
	}
	if payload.Valid && payload.String != "" {
		j.Payload = []byte(payload.String)
	}
	if resultURL.Valid {
		j.ResultURL = &resultURL.String
	}
	if errKind.Valid {
		j.ErrorKind = &errKind.String
	}
	if errDetail.Valid {
		j.ErrorDetail = &errDetail.String
	}
	j.CreatedAt = parseDBTime(created)
	if submitted.Valid {
		t := parseDBTime(submitted.String)
		j.SubmittedAt = &t
	}
	if completed.Valid {
		t := parseDBTime(completed.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullable(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/user/meterflow/internal/runner"
	"github.com/user/meterflow/internal/store"
)

type createJobRequest struct {
	AccountID      string          `json:"account_id"`
	Provider       string          `json:"provider"`
	IdempotencyKey string          `json:"idempotency_key"`
	Cost           int64           `json:"cost"`
	Payload        json.RawMessage `json:"payload"`
	// Deadline is a Go duration string capping how long the job may poll
	// before it times out. Empty means the server's configured deadline.
	Deadline string `json:"deadline,omitempty"`
	Wait     bool   `json:"wait"`
}

type createJobResponse struct {
	Job      *store.Job `json:"job,omitempty"`
	Replayed bool       `json:"replayed,omitempty"`
	// Accepted responses carry the key to look the job up with once it exists.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Lookup         string `json:"lookup,omitempty"`
}

// handleCreateJob starts one metered job. The default is fire-and-poll: the
// request is accepted, execution proceeds in the background, and the caller
// follows the returned lookup URL. With "wait": true the request blocks until
// the job settles and returns the final job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeError(w, http.StatusBadRequest, "provider is required", "BAD_REQUEST")
		return
	}
	if req.Cost <= 0 {
		writeError(w, http.StatusBadRequest, "cost must be > 0", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var deadline time.Duration
	if strings.TrimSpace(req.Deadline) != "" {
		var err error
		deadline, err = time.ParseDuration(req.Deadline)
		if err != nil || deadline <= 0 {
			writeError(w, http.StatusBadRequest, "deadline must be a positive Go duration, e.g. \"5m\"", "BAD_REQUEST")
			return
		}
	}

	slog.Debug("job request",
		"subject", subjectFromContext(r.Context()),
		"account", req.AccountID,
		"provider", req.Provider,
		"key", req.IdempotencyKey,
	)

	run := runner.Request{
		AccountID:      req.AccountID,
		Provider:       req.Provider,
		IdempotencyKey: req.IdempotencyKey,
		Cost:           req.Cost,
		Payload:        req.Payload,
		Deadline:       deadline,
	}

	if req.Wait {
		res, err := s.runner.Execute(r.Context(), run)
		if err != nil {
			writeRunnerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, createJobResponse{Job: res.Job, Replayed: res.Replayed})
		return
	}

	// Detached from the request context: client disconnects must not refund
	// a job that is progressing normally.
	go func() {
		if _, err := s.runner.Execute(context.Background(), run); err != nil {
			slog.Warn("background job failed", "key", req.IdempotencyKey, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, createJobResponse{
		IdempotencyKey: req.IdempotencyKey,
		Lookup:         "/api/v1/jobs/key/" + req.IdempotencyKey,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobByKey(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJobByKey(chi.URLParam(r, "key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListJobs(store.ListJobsRequest{
		AccountID: r.URL.Query().Get("account_id"),
		State:     r.URL.Query().Get("state"),
		Limit:     limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleCancelJob stops local polling for a job and refunds its hold. The
// remote job keeps running on the provider.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if store.IsTerminalState(job.State) {
		writeError(w, http.StatusConflict, "job already settled in state "+job.State, "ALREADY_SETTLED")
		return
	}
	if !s.runner.Cancel(id) {
		writeError(w, http.StatusConflict, "job is not being polled by this process", "NOT_POLLING")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling", "job_id": id})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.providers.Names()})
}

// writeRunnerError maps a classified execution failure onto an HTTP status.
// The job, if one exists, has already settled: the body carries the job ID so
// the caller can inspect it.
func writeRunnerError(w http.ResponseWriter, err error) {
	var re *runner.Error
	if !errors.As(err, &re) {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	status := http.StatusInternalServerError
	switch re.Kind {
	case runner.KindInsufficientBalance:
		status = http.StatusPaymentRequired
	case runner.KindCreateRejected:
		status = http.StatusUnprocessableEntity
	case runner.KindTimedOut:
		status = http.StatusGatewayTimeout
	case runner.KindCanceled:
		status = http.StatusConflict
	case runner.KindExhaustedRetries, runner.KindProviderFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error":  re.Error(),
		"code":   strings.ToUpper(string(re.Kind)),
		"job_id": re.JobID,
	})
}

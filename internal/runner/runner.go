// Package runner orchestrates one metered remote job end to end: hold
// tokens, submit to the provider, poll to a terminal state, then settle the
// hold with exactly one commit or refund.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/user/meterflow/internal/poller"
	"github.com/user/meterflow/internal/provider"
	"github.com/user/meterflow/internal/store"
)

// Request describes one job execution. IdempotencyKey makes the whole
// charge-and-run sequence safe to retry: a duplicate key replays the
// existing job instead of charging or submitting again.
type Request struct {
	AccountID      string
	Provider       string
	IdempotencyKey string
	Cost           int64
	Payload        json.RawMessage
	// Deadline caps the wall-clock polling budget for this job. Zero means
	// the poller's configured deadline.
	Deadline time.Duration
}

// Result is the outcome of Execute. Replayed means the idempotency key
// matched an existing job and no new work was started.
type Result struct {
	Job      *store.Job
	Replayed bool
}

// Runner executes metered jobs.
type Runner struct {
	store     *store.Store
	providers *provider.Registry
	poller    *poller.Poller
	retry     provider.Policy
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a runner.
func New(st *store.Store, providers *provider.Registry, p *poller.Poller, retry provider.Policy, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:     st,
		providers: providers,
		poller:    p,
		retry:     retry,
		log:       log,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Execute runs one job to completion. It blocks until the job settles: on
// success the hold is committed and the job carries the result locator; on
// any failure the hold is refunded, the job records the failure kind, and an
// *Error is returned.
//
// Tokens never leak: every path out of Execute after the hold either commits
// or refunds it, including panics.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	tracer := otel.Tracer("meterflow/runner")
	ctx, span := tracer.Start(ctx, "runner.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.provider", req.Provider),
		attribute.String("job.account", req.AccountID),
		attribute.Int64("job.cost", req.Cost),
	)

	client, err := r.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := provider.ValidatePayload(req.Provider, req.Payload); err != nil {
		return nil, &Error{Kind: KindCreateRejected, Detail: err.Error(), Err: err}
	}

	job, created, err := r.store.CreateJob(store.CreateJobRequest{
		AccountID:      req.AccountID,
		Provider:       req.Provider,
		IdempotencyKey: req.IdempotencyKey,
		Cost:           req.Cost,
		Payload:        string(req.Payload),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		span.SetAttributes(attribute.Bool("job.replayed", true))
		r.log.Info("job replayed", "job_id", job.ID, "state", job.State, "key", req.IdempotencyKey)
		return &Result{Job: job, Replayed: true}, nil
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	log := r.log.With("job_id", job.ID, "provider", req.Provider, "account", req.AccountID)

	hold, err := r.store.Hold(store.HoldRequest{
		AccountID:      req.AccountID,
		Amount:         req.Cost,
		IdempotencyKey: job.IdempotencyKey,
		Metadata:       map[string]string{"job_id": job.ID, "provider": req.Provider},
	})
	if err != nil {
		if store.IsInsufficientBalance(err) {
			rerr := r.failWithoutHold(job, KindInsufficientBalance, err.Error())
			span.SetStatus(codes.Error, string(KindInsufficientBalance))
			return nil, rerr
		}
		return nil, err
	}
	log.Info("tokens held", "amount", req.Cost, "balance_after", hold.BalanceAfter)

	// From here on the hold must be settled exactly once on every path.
	settled := false
	defer func() {
		if settled {
			return
		}
		if p := recover(); p != nil {
			r.refundAndFail(job, store.StateFailed, KindInternal, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
		r.refundAndFail(job, store.StateFailed, KindInternal, "execution aborted before settlement")
	}()

	var ref *provider.JobRef
	err = provider.Retry(ctx, r.retry, func(ctx context.Context) error {
		jr, err := client.Create(ctx, req.Payload)
		if err != nil {
			return err
		}
		ref = jr
		return nil
	})
	if err != nil {
		settled = true
		return nil, r.settleFailure(job, err, "submit")
	}
	log.Info("job submitted", "task_id", ref.TaskID)

	if err := r.store.MarkSubmitted(job.ID, ref.TaskID, ref.StatusURL); err != nil {
		settled = true
		return nil, r.refundAndFail(job, store.StateFailed, KindInternal, err.Error())
	}
	if err := r.store.MarkPolling(job.ID); err != nil {
		settled = true
		return nil, r.refundAndFail(job, store.StateFailed, KindInternal, err.Error())
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(job.ID, cancel)
	defer r.untrack(job.ID)

	status, err := r.poller.WaitForTerminalWithin(pollCtx, client, ref, req.Deadline)
	if err != nil {
		settled = true
		return nil, r.settleFailure(job, err, "poll")
	}

	switch status.State {
	case provider.StateSucceeded:
		if err := r.store.Commit(job.IdempotencyKey); err != nil {
			settled = true
			return nil, r.refundAndFail(job, store.StateFailed, KindInternal, err.Error())
		}
		settled = true
		if err := r.store.MarkSucceeded(job.ID, status.ResultURL); err != nil {
			return nil, err
		}
		log.Info("job succeeded", "result_url", status.ResultURL)
		final, err := r.store.GetJob(job.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Job: final}, nil

	case provider.StateCanceled:
		settled = true
		detail := status.Detail
		if detail == "" {
			detail = "canceled by provider"
		}
		return nil, r.refundAndFail(job, store.StateCanceled, KindCanceled, detail)

	default: // provider.StateFailed
		settled = true
		span.SetStatus(codes.Error, string(KindProviderFailed))
		return nil, r.refundAndFail(job, store.StateFailed, KindProviderFailed, status.Detail)
	}
}

// Cancel aborts a locally tracked in-flight job. The remote job keeps
// running; only local polling stops and the hold is refunded. Returns false
// when the job is not being polled by this process.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.inflight[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Owns reports whether this process is actively polling the job.
func (r *Runner) Owns(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[jobID]
	return ok
}

func (r *Runner) track(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[jobID] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(jobID string) {
	r.mu.Lock()
	delete(r.inflight, jobID)
	r.mu.Unlock()
}

// settleFailure maps a submit- or poll-phase error to its failure kind and
// job state, refunds the hold, and records both on the job.
func (r *Runner) settleFailure(job *store.Job, err error, phase string) error {
	switch {
	case provider.IsCreateRejected(err):
		return r.refundAndFail(job, store.StateFailed, KindCreateRejected, err.Error())
	case provider.IsExhausted(err):
		return r.refundAndFail(job, store.StateFailed, KindExhaustedRetries, err.Error())
	case errors.Is(err, poller.ErrDeadline):
		return r.refundAndFail(job, store.StateTimedOut, KindTimedOut, "no terminal status before deadline")
	case errors.Is(err, context.DeadlineExceeded):
		return r.refundAndFail(job, store.StateTimedOut, KindTimedOut, phase+" deadline exceeded")
	case errors.Is(err, context.Canceled):
		return r.refundAndFail(job, store.StateCanceled, KindCanceled, phase+" canceled locally")
	default:
		return r.refundAndFail(job, store.StateFailed, KindInternal, err.Error())
	}
}

// refundAndFail refunds the job's hold and moves the job to a terminal
// failure state. Refund is idempotent, so racing settlements stay safe.
func (r *Runner) refundAndFail(job *store.Job, state string, kind Kind, detail string) error {
	if _, err := r.store.Refund(job.IdempotencyKey, string(kind)); err != nil && !store.IsNoSuchHold(err) {
		r.log.Error("refund failed", "job_id", job.ID, "error", err)
	}
	return r.fail(job, state, kind, detail)
}

// failWithoutHold records a failure for a job whose hold never existed.
func (r *Runner) failWithoutHold(job *store.Job, kind Kind, detail string) error {
	return r.fail(job, store.StateFailed, kind, detail)
}

func (r *Runner) fail(job *store.Job, state string, kind Kind, detail string) error {
	if err := r.store.MarkFailed(job.ID, state, string(kind), detail); err != nil {
		r.log.Error("mark failed", "job_id", job.ID, "error", err)
	}
	r.log.Warn("job failed", "job_id", job.ID, "state", state, "kind", kind, "detail", detail)
	return &Error{Kind: kind, JobID: job.ID, Detail: detail}
}

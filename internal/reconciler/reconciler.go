// Package reconciler sweeps jobs left in flight by a crashed or restarted
// process and releases their held tokens.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/meterflow/internal/runner"
	"github.com/user/meterflow/internal/store"
)

// Config holds reconciler configuration.
type Config struct {
	Interval   time.Duration // sweep cadence (default 1m)
	StaleAfter time.Duration // age past which an in-flight job is abandoned (default 30m)
}

// DefaultConfig returns a Config with sensible defaults. StaleAfter should be
// comfortably longer than the poll deadline so only orphaned jobs qualify.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		StaleAfter: 30 * time.Minute,
	}
}

// SkipCheck reports jobs that are still actively owned by this process, so a
// long-running but healthy job is never swept out from under its runner.
type SkipCheck interface {
	Owns(jobID string) bool
}

// Reconciler periodically force-settles abandoned jobs: refund the hold and
// mark the job timed out. A hold that was already settled is left alone
// (Refund is idempotent and refuses to touch committed holds).
type Reconciler struct {
	store     *store.Store
	skipCheck SkipCheck
	config    Config
}

// New creates a Reconciler. If skipCheck is nil, every stale job is swept.
func New(s *store.Store, skipCheck SkipCheck, config Config) *Reconciler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = def.StaleAfter
	}
	return &Reconciler{store: s, skipCheck: skipCheck, config: config}
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("reconciler started", "interval", r.config.Interval, "stale_after", r.config.StaleAfter)
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reconciler) sweep() {
	jobs, err := r.store.StaleInFlight(r.config.StaleAfter)
	if err != nil {
		slog.Error("list stale jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if r.skipCheck != nil && r.skipCheck.Owns(job.ID) {
			continue
		}
		if _, err := r.store.Refund(job.IdempotencyKey, "reconciler sweep"); err != nil {
			if store.IsAlreadyCommitted(err) || store.IsNoSuchHold(err) {
				slog.Warn("stale job already settled", "job_id", job.ID, "error", err)
			} else {
				slog.Error("refund stale hold", "job_id", job.ID, "error", err)
				continue
			}
		}
		if err := r.store.MarkFailed(job.ID, store.StateTimedOut,
			string(runner.KindTimedOut), "abandoned in flight, swept by reconciler"); err != nil {
			slog.Error("mark stale job", "job_id", job.ID, "error", err)
			continue
		}
		slog.Info("stale job reconciled", "job_id", job.ID, "account", job.AccountID, "cost", job.Cost)
	}
}

// RunOnce executes a single sweep. Useful for testing.
func (r *Reconciler) RunOnce() {
	r.sweep()
}

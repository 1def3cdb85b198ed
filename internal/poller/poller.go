// Package poller drives a remote job to a terminal state by periodic
// status fetches with a growing interval and a hard wall-clock deadline.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/user/meterflow/internal/provider"
)

// ErrDeadline means the remote job did not reach a terminal state before the
// poll deadline. The remote side may still be running; the caller decides
// what that means for the tokens it holds.
var ErrDeadline = errors.New("poll deadline exceeded")

// Config controls the polling cadence.
type Config struct {
	Interval    time.Duration // first wait before the initial fetch
	MaxInterval time.Duration // cap for the grown interval
	Growth      float64       // interval multiplier per poll, e.g. 1.5
	Deadline    time.Duration // total wall-clock budget per job
	Retry       provider.Policy
}

// DefaultConfig returns the polling cadence used unless overridden by flags.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		MaxInterval: 30 * time.Second,
		Growth:      1.5,
		Deadline:    15 * time.Minute,
		Retry:       provider.DefaultPolicy(),
	}
}

// Poller polls provider jobs until they settle.
type Poller struct {
	cfg Config
	log *slog.Logger
}

// New creates a poller. Zero or negative config fields fall back to defaults.
func New(cfg Config, log *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Growth < 1 {
		cfg.Growth = def.Growth
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{cfg: cfg, log: log}
}

// WaitForTerminal fetches the job's status until the provider reports a
// terminal state, the configured deadline passes (ErrDeadline), or ctx is
// canceled. Transient fetch failures are retried under the poller's retry
// policy; a fetch that exhausts retries is returned as-is.
func (p *Poller) WaitForTerminal(ctx context.Context, client provider.Client, ref *provider.JobRef) (*provider.Status, error) {
	return p.WaitForTerminalWithin(ctx, client, ref, p.cfg.Deadline)
}

// WaitForTerminalWithin is WaitForTerminal with a caller-supplied wall-clock
// budget. A budget of zero or less falls back to the configured deadline.
func (p *Poller) WaitForTerminalWithin(ctx context.Context, client provider.Client, ref *provider.JobRef, budget time.Duration) (*provider.Status, error) {
	if budget <= 0 {
		budget = p.cfg.Deadline
	}
	deadline := time.Now().Add(budget)
	interval := p.cfg.Interval

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrDeadline
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if time.Now().After(deadline) {
			return nil, ErrDeadline
		}

		var status *provider.Status
		err := provider.Retry(ctx, p.cfg.Retry, func(ctx context.Context) error {
			s, err := client.FetchStatus(ctx, ref)
			if err != nil {
				return err
			}
			status = s
			return nil
		})
		if err != nil {
			return nil, err
		}

		p.log.Debug("poll", "provider", client.Name(), "task", ref.TaskID, "state", status.State)
		if status.State.Terminal() {
			return status, nil
		}

		interval = time.Duration(float64(interval) * p.cfg.Growth)
		if interval > p.cfg.MaxInterval {
			interval = p.cfg.MaxInterval
		}
	}
}

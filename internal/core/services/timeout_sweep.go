package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// ExpiredJobCanceller is the part of the lifecycle the sweep drives.
type ExpiredJobCanceller interface {
	ExpiredJobs(ctx context.Context, now time.Time) ([]domain.Job, error)
	Cancel(ctx context.Context, id domain.JobID, reason string) (domain.Job, error)
}

// SweepConfig defines the sweep cadence and parallelism
type SweepConfig struct {
	Interval time.Duration
	Workers  int64
	Clock    clock.Clock
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// TimeoutSweep cancels and refunds jobs whose deadline passed. It is safe to
// run on several replicas at once: a job terminalized elsewhere is skipped.
type TimeoutSweep struct {
	logger   *slog.Logger
	jobs     ExpiredJobCanceller
	clock    clock.Clock
	interval time.Duration
	workers  int64
}

func NewTimeoutSweep(logger *slog.Logger, jobs ExpiredJobCanceller, cfg SweepConfig) *TimeoutSweep {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &TimeoutSweep{
		logger:   logger,
		jobs:     jobs,
		clock:    clk,
		interval: interval,
		workers:  workers,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *TimeoutSweep) Run(ctx context.Context) error {
	s.logger.Info("timeout sweep started", "check_interval", s.interval)
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweep stopped")
			return nil
		case <-ticker.C:
			// Failures are logged inside SweepOnce and retried next tick.
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce cancels every expired open job. A failed cancellation rolled
// back, so the job stays open and the next pass retries it; the failures
// are returned together.
func (s *TimeoutSweep) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	expired, err := s.jobs.ExpiredJobs(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logger.Error("failed to list expired jobs", "error", err)
		return report, fmt.Errorf("list expired jobs: %w", err)
	}
	report.Expired = len(expired)
	if len(expired) == 0 {
		return report, nil
	}
	s.logger.Info("cancelling expired jobs", "count", len(expired))

	sem := semaphore.NewWeighted(s.workers)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)

	for _, job := range expired {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			merr = multierror.Append(merr, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(job domain.Job) {
			defer wg.Done()
			defer sem.Release(1)

			_, err := s.jobs.Cancel(ctx, job.ID, ReasonDeadlineExceeded)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Cancelled++
			case errors.Is(err, domain.ErrInvalidTransition):
				report.Skipped++
				s.logger.Debug("expired job already settled", "job_id", job.ID)
			default:
				report.Failed++
				merr = multierror.Append(merr, fmt.Errorf("job %s: %w", job.ID, err))
				s.logger.Error("timeout cancellation failed, will retry", "job_id", job.ID, "error", err)
			}
		}(job)
	}
	wg.Wait()

	s.logger.Info("timeout sweep pass finished",
		"expired", report.Expired,
		"cancelled", report.Cancelled,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, merr.ErrorOrNil()
}

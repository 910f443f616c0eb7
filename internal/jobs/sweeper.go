package jobs

import (
	"context"
	"time"

	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/metrics"
	"github.com/scrybeapp/scrybe/pkg/models"
)

const sweepBatchSize = 100

// Sweeper periodically fails jobs stuck in awaiting_callback past the
// maximum age, releasing their reservations. Without it a lost provider
// callback would hold reserved minutes forever.
type Sweeper struct {
	svc      *Service
	repo     Repository
	interval time.Duration
	maxAge   time.Duration
	log      *logging.Logger
}

// NewSweeper creates a stuck-job sweeper
func NewSweeper(svc *Service, repo Repository, interval, maxAge time.Duration, log *logging.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		repo:     repo,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infof("Starting stuck-job sweeper (interval: %v, max age: %v)", s.interval, s.maxAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stuck-job sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fails one batch of overdue jobs. The compare-and-swap inside
// FailStuck makes losing a race to a late callback harmless.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	stuck, err := s.repo.ListJobsByStatusOlderThan(ctx, models.JobStatusAwaitingCallback, cutoff, sweepBatchSize)
	if err != nil {
		s.log.ErrorWithErr("failed to list stuck jobs", err)
		return
	}

	for _, job := range stuck {
		if err := s.svc.FailStuck(ctx, job); err != nil {
			s.log.WithJobID(job.ID).ErrorWithErr("failed to sweep stuck job", err)
			continue
		}
		metrics.StuckJobsSweptTotal.Inc()
		s.log.LogJobEvent(job.ID, "swept_stuck", models.JobStatusFailed, map[string]interface{}{
			"provider_job_id": job.ProviderJobID,
		})
	}
}

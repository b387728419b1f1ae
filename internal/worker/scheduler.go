package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vexacloud/streambill/internal/service"
)

// Scheduler sweeps for subscriptions due to renew on a fixed interval. One
// sweep processes at most batchSize subscriptions; the next tick picks up the
// rest, which keeps a large backlog from monopolizing the gateway.
type Scheduler struct {
	renewals  service.SubscriptionRenewalService
	interval  time.Duration
	batchSize int32
	logger    *slog.Logger
}

func NewScheduler(renewals service.SubscriptionRenewalService, interval time.Duration, batchSize int32, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		renewals:  renewals,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "renewal_scheduler"),
	}
}

// Run sweeps until the context is cancelled. The first sweep happens one
// interval after startup, not immediately, so deploys don't stampede the
// gateways.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval, "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	start := time.Now()
	renewed, failed, err := s.renewals.ProcessDueRenewals(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("renewal sweep failed", "error", err)
		return
	}
	if renewed == 0 && failed == 0 {
		return
	}
	s.logger.Info("renewal sweep completed",
		"renewed", renewed,
		"failed", failed,
		"duration", time.Since(start))
}

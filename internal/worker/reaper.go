package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// Reaper is the stale-job recovery task (C6, §4.6): it periodically requeues
// jobs stuck in `working` past a threshold, presumed abandoned by a crashed
// worker.
type Reaper struct {
	jobs      domain.JobRepository
	threshold time.Duration
	interval  time.Duration
}

// NewReaper constructs a Reaper. interval is clamped to a 5s floor per §6.
func NewReaper(jobs domain.JobRepository, threshold, interval time.Duration) *Reaper {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Reaper{jobs: jobs, threshold: threshold, interval: interval}
}

// Run blocks, sweeping once immediately and then on every interval tick,
// until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.jobs == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale-job reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("worker.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.stale_threshold_seconds", r.threshold.Seconds()))

	n, err := r.jobs.ResetStale(ctx, r.threshold)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale-job reap failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.reset_count", n))
	if n > 0 {
		for i := int64(0); i < n; i++ {
			observability.RecordRequeue("stale_reset")
		}
		observability.StageEvent(ctx, "reaper.reset_stale", "count", n)
		slog.Info("reaper requeued stale jobs", slog.Int64("count", n))
	}
}

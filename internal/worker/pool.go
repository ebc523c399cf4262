package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// Handler dispatches a claimed job to its stage logic. Returning
// domain.ErrNoHandler signals an unrecognized job type (§4.3 step 2).
type Handler interface {
	Handle(ctx domain.Context, job domain.Job) error
}

// Pool is the cooperative worker pool of P workers (C3). Workers share no
// in-memory state; all coordination happens through the job store via the
// Claimer.
type Pool struct {
	Claimer       *Claimer
	Jobs          domain.JobRepository
	Handler       Handler
	Retry         *RetryController
	Parallelism   int
	PollInterval  time.Duration
	IdleWarnAfter time.Duration
}

// NewPool constructs a worker Pool.
func NewPool(claimer *Claimer, jobs domain.JobRepository, handler Handler, retry *RetryController, parallelism int, pollInterval, idleWarnAfter time.Duration) *Pool {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Pool{
		Claimer:       claimer,
		Jobs:          jobs,
		Handler:       handler,
		Retry:         retry,
		Parallelism:   parallelism,
		PollInterval:  pollInterval,
		IdleWarnAfter: idleWarnAfter,
	}
}

// Run starts Parallelism workers and blocks until ctx is cancelled and every
// worker has finished its in-flight handler (§4.3 cancellation contract).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Parallelism; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	lg := slog.With(slog.Int("worker_id", workerID))
	var lastWork time.Time = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, queuedCount, err := p.Claimer.Claim(ctx)
		if err != nil {
			lg.Error("claim failed", slog.Any("error", err))
			sleepOrDone(ctx, p.PollInterval)
			continue
		}
		if job == nil {
			if queuedCount > 0 {
				lg.Warn("claim contention: queued jobs present but none claimed", slog.Int64("queued_count", queuedCount))
			}
			if p.IdleWarnAfter > 0 && time.Since(lastWork) > p.IdleWarnAfter {
				lg.Warn("worker idle beyond threshold", slog.Duration("idle_for", time.Since(lastWork)))
			}
			sleepOrDone(ctx, p.PollInterval)
			continue
		}

		lastWork = time.Now()
		observability.RecordClaim(string(job.Type), queuedCount)
		p.process(ctx, lg, *job)
	}
}

func (p *Pool) process(ctx context.Context, lg *slog.Logger, job domain.Job) {
	tracer := otel.Tracer("worker.pool")
	ctx, span := tracer.Start(ctx, "Pool.process")
	defer span.End()

	if p.Handler == nil {
		_ = p.Retry.Fail(ctx, job, fmt.Errorf("op=worker.process: %w", domain.ErrNoHandler))
		return
	}

	err := p.Handler.Handle(ctx, job)
	switch {
	case err == nil:
		attempts := job.Attempts
		if markErr := p.Jobs.Mark(ctx, job.ID, domain.JobDone, &attempts, nil, nil); markErr != nil {
			lg.Error("mark done failed", slog.String("job_id", job.ID), slog.Any("error", markErr))
			return
		}
		observability.RecordCompleted(string(job.Type))
		observability.StageEvent(ctx, "job.done", "job_id", job.ID, "type", job.Type)
	case ctx.Err() != nil:
		// Cancelled mid-handler: do not mark the job; the reaper recovers it.
		lg.Warn("handler cancelled, leaving job for reaper", slog.String("job_id", job.ID))
	default:
		if failErr := p.Retry.Fail(ctx, job, err); failErr != nil {
			lg.Error("fail transition failed", slog.String("job_id", job.ID), slog.Any("error", failErr))
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package worker

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// RetryController applies the bounded retry / failure policy of §4.5: on
// handler error, it increments attempts and either sleeps then requeues, or
// promotes the job to failed once MAX_ATTEMPTS is reached.
type RetryController struct {
	Jobs        domain.JobRepository
	MaxAttempts int
	Sleep       func(time.Duration) // overridable in tests
}

// NewRetryController constructs a RetryController with the real time.Sleep.
func NewRetryController(jobs domain.JobRepository, maxAttempts int) *RetryController {
	return &RetryController{Jobs: jobs, MaxAttempts: maxAttempts, Sleep: time.Sleep}
}

// Fail records a handler error for job, applying backoff-then-requeue or
// terminal failure at the attempts cap.
func (r *RetryController) Fail(ctx domain.Context, job domain.Job, cause error) error {
	attempts := job.Attempts + 1
	msg := domain.TruncateError(cause.Error())

	if attempts >= r.MaxAttempts {
		now := time.Now()
		if err := r.Jobs.Mark(ctx, job.ID, domain.JobFailed, &attempts, &msg, &now); err != nil {
			return fmt.Errorf("op=worker.fail.mark_failed: %w", err)
		}
		observability.RecordFailed(string(job.Type))
		observability.StageEvent(ctx, "job.failed", "job_id", job.ID, "type", job.Type, "attempts", attempts)
		return nil
	}

	delay := domain.BackoffSeconds(attempts)
	if r.Sleep != nil {
		r.Sleep(delay)
	}
	if err := r.Jobs.Mark(ctx, job.ID, domain.JobQueued, &attempts, &msg, nil); err != nil {
		return fmt.Errorf("op=worker.fail.mark_queued: %w", err)
	}
	observability.RecordRequeue("retry")
	observability.StageEvent(ctx, "job.requeued", "job_id", job.ID, "type", job.Type, "attempts", attempts, "backoff", delay)
	return nil
}

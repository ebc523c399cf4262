// Package worker implements the cooperative worker pool (C3), the retry /
// failure controller (C5), and the stale-job reaper (C6) of §4.3, §4.5, §4.6.
package worker

import (
	"fmt"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// Claimer wraps domain.JobRepository.Claim, the sole entry point C3 workers
// use to obtain work (§4.2).
type Claimer struct {
	Jobs domain.JobRepository
}

// NewClaimer constructs a Claimer.
func NewClaimer(jobs domain.JobRepository) *Claimer { return &Claimer{Jobs: jobs} }

// Claim selects and locks at most one queued job, returning the observed
// queue depth alongside it for contention logging.
func (c *Claimer) Claim(ctx domain.Context) (*domain.Job, int64, error) {
	job, queued, err := c.Jobs.Claim(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("op=worker.claim: %w", err)
	}
	return job, int64(queued), nil
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clipvault/ingest/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("JobStore")

const (
	// DefaultStaleThreshold is how long a processing job may go without a
	// lock renewal before it is considered abandoned and reclaimed.
	DefaultStaleThreshold = 10 * time.Minute

	maxClaimAttempts = 8
)

type (
	// Store is the durable collection of jobs. Implementations must make Claim
	// safe for concurrent callers across processes: a job may only ever be
	// owned by one worker at a time.
	Store interface {
		Create(ctx context.Context, job *Job) error
		Get(ctx context.Context, id uuid.UUID) (*Job, error)
		List(ctx context.Context, filter ListFilter) ([]*Job, error)

		// ReclaimStale resets all processing jobs whose lock is older
		// than the cutoff back to queued, returning how many were reset.
		ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

		// Claim reclaims stale locks, and then transitions the most urgent
		// eligible queued job to processing under the worker ID provided. A
		// nil job (and nil error) is returned when nothing is eligible.
		Claim(ctx context.Context, workerID string) (*Job, error)

		Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error
		SetProgress(ctx context.Context, id uuid.UUID, workerID string, progress int) error
		Finish(ctx context.Context, id uuid.UUID, workerID string, outcome Outcome) error
	}

	ListFilter struct {
		Status *Status
		Limit  uint64
	}

	// ClaimConflictError is returned when a conditional claim update
	// affected no rows because another worker changed the job first.
	ClaimConflictError struct {
		JobID   uuid.UUID
		Version int64
	}

	Option func(*options)

	options struct {
		clock          func() time.Time
		staleThreshold time.Duration
	}

	// claimer is the pair of primitives each store provides so that the
	// optimistic claim loop can be shared.
	claimer interface {
		nextCandidate(ctx context.Context, now time.Time) (*candidate, error)
		tryClaim(ctx context.Context, c *candidate, workerID string, now time.Time) (*Job, error)
	}

	candidate struct {
		id      uuid.UUID
		version int64
	}
)

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim of job %s at version %d conflicted with a concurrent update", e.JobID, e.Version)
}

func (e *ClaimConflictError) Is(target error) bool { return target == ErrClaimConflict }

// WithClock overrides the time source used for lock timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithStaleThreshold(threshold time.Duration) Option {
	return func(o *options) { o.staleThreshold = threshold }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, staleThreshold: DefaultStaleThreshold}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// claimWithRetry implements the claim protocol shared by all stores: pick the
// first eligible candidate, then attempt a version-checked transition. Losing
// the race simply means picking a new candidate; after maxClaimAttempts
// consecutive losses the conflict is surfaced to the caller.
func claimWithRetry(ctx context.Context, c claimer, workerID string, now time.Time) (*Job, error) {
	var lastErr error
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cand, err := c.nextCandidate(ctx, now)
		if err != nil {
			return nil, err
		} else if cand == nil {
			return nil, nil
		}

		job, err := c.tryClaim(ctx, cand, workerID, now)
		if err == nil {
			return job, nil
		} else if !errors.Is(err, ErrClaimConflict) {
			return nil, err
		}

		log.Emit(logger.DEBUG, "Worker %s lost claim race for job %s (attempt %d)\n", workerID, cand.id, attempt+1)
		lastErr = err
	}

	return nil, lastErr
}

func newJobDefaults(job *Job, now time.Time) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = Queued
	job.WorkerID = nil
	job.LockedAt = nil
	job.Progress = 0
	job.Version = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
}

package jobs

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It follows the same optimistic claim
// protocol as the Postgres store (candidate selection and the conditional
// transition happen under separate critical sections) so it is suitable for
// single-process deployments and for exercising the coordinator in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*Job
	nextSeq int64
	options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[uuid.UUID]*Job),
		options: buildOptions(opts),
	}
}

func (store *MemoryStore) Create(_ context.Context, job *Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	newJobDefaults(job, store.clock())
	store.nextSeq++
	job.Seq = store.nextSeq

	cp := *job
	store.jobs[job.ID] = &cp
	return nil
}

func (store *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	job, ok := store.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	cp := *job
	return &cp, nil
}

func (store *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Job, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	out := make([]*Job, 0, len(store.jobs))
	for _, job := range store.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}

		cp := *job
		out = append(out, &cp)
	}

	slices.SortFunc(out, func(a, b *Job) int { return int(b.Seq - a.Seq) })
	if filter.Limit > 0 && uint64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

func (store *MemoryStore) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.clock()
	reclaimed := 0
	for _, job := range store.jobs {
		if !job.IsStale(cutoff) {
			continue
		}

		log.Warnf("Reclaiming stale job %s (worker %s locked at %s)\n", job.ID, *job.WorkerID, job.LockedAt.Format(time.RFC3339))
		job.Status = Queued
		job.WorkerID = nil
		job.LockedAt = nil
		job.Progress = 0
		job.UpdatedAt = now
		job.Version++
		reclaimed++
	}

	return reclaimed, nil
}

func (store *MemoryStore) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := store.clock()
	if _, err := store.ReclaimStale(ctx, now.Add(-store.staleThreshold)); err != nil {
		return nil, err
	}

	return claimWithRetry(ctx, store, workerID, now)
}

func (store *MemoryStore) nextCandidate(_ context.Context, now time.Time) (*candidate, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var best *Job
	for _, job := range store.jobs {
		if job.Status != Queued || job.AvailableAt.After(now) {
			continue
		}

		if best == nil || claimsBefore(job, best) {
			best = job
		}
	}

	if best == nil {
		return nil, nil
	}

	return &candidate{id: best.ID, version: best.Version}, nil
}

func (store *MemoryStore) tryClaim(_ context.Context, c *candidate, workerID string, now time.Time) (*Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	job, ok := store.jobs[c.id]
	if !ok || job.Status != Queued || job.Version != c.version {
		return nil, &ClaimConflictError{JobID: c.id, Version: c.version}
	}

	lockedAt := now
	job.Status = Processing
	job.WorkerID = &workerID
	job.LockedAt = &lockedAt
	job.Progress = 0
	job.UpdatedAt = now
	job.Version++

	cp := *job
	return &cp, nil
}

func (store *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID, workerID string) error {
	return store.withOwnedJob(id, workerID, func(job *Job, now time.Time) {
		job.LockedAt = &now
		job.UpdatedAt = now
	})
}

func (store *MemoryStore) SetProgress(_ context.Context, id uuid.UUID, workerID string, progress int) error {
	return store.withOwnedJob(id, workerID, func(job *Job, now time.Time) {
		job.Progress = clampProgress(progress)
		job.UpdatedAt = now
	})
}

func (store *MemoryStore) Finish(_ context.Context, id uuid.UUID, workerID string, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}

	return store.withOwnedJob(id, workerID, func(job *Job, now time.Time) {
		job.Status = outcome.Status
		job.WorkerID = nil
		job.LockedAt = nil
		job.UpdatedAt = now
		job.Version++

		switch outcome.Status {
		case Done:
			job.Progress = 100
			job.ResultURL = strPtr(outcome.ResultURL)
			job.ThumbnailURL = strPtr(outcome.ThumbnailURL)
			job.Error = nil
		case Failed:
			job.Progress = 100
			job.Error = strPtr(outcome.Error)
		case Queued:
			job.Progress = 0
			job.Error = strPtr(outcome.Error)
			job.RetryCount++
			job.AvailableAt = outcome.RetryAt
		}
	})
}

func (store *MemoryStore) withOwnedJob(id uuid.UUID, workerID string, mutate func(*Job, time.Time)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	job, ok := store.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != Processing || job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrLockLost
	}

	mutate(job, store.clock())
	return nil
}

// claimsBefore orders jobs by ascending priority, then creation order.
func claimsBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.Seq < b.Seq
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

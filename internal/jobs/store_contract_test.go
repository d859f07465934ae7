package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/jobs"
	"github.com/google/uuid"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx         = context.Background()
	errExpected = errors.New("test: expected error")
)

type storeFactory func(t *testing.T, opts ...jobs.Option) jobs.Store

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestJob(priority int) *jobs.Job {
	return &jobs.Job{
		SourceURL: fmt.Sprintf("https://media.example.com/%s.mp4", random.String(12, random.Alphanumeric)),
		Title:     random.String(8, random.Alphabetic),
		Priority:  priority,
	}
}

func createJobs(t *testing.T, store jobs.Store, clock *fakeClock, priorities ...int) []*jobs.Job {
	out := make([]*jobs.Job, 0, len(priorities))
	for _, p := range priorities {
		job := newTestJob(p)
		require.NoError(t, store.Create(ctx, job))
		out = append(out, job)
		clock.Advance(time.Millisecond)
	}

	return out
}

// runStoreContract exercises the behaviour every Store implementation
// must share. Each subtest receives a fresh, empty store.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("Claim_EmptyQueueReturnsNil", func(t *testing.T) {
		store := newStore(t)

		job, err := store.Claim(ctx, "worker-a")
		assert.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("Claim_PriorityThenCreationOrder", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		created := createJobs(t, store, clock, 5, 1, 1, 3)

		expectedOrder := []uuid.UUID{created[1].ID, created[2].ID, created[3].ID, created[0].ID}
		for _, expected := range expectedOrder {
			job, err := store.Claim(ctx, "worker-a")
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, expected, job.ID)
			assert.Equal(t, jobs.Processing, job.Status)
			assert.True(t, job.IsLocked())
		}

		job, err := store.Claim(ctx, "worker-a")
		assert.NoError(t, err)
		assert.Nil(t, job, "queue should be drained")
	})

	t.Run("Claim_TwoWorkersThenThird", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		created := createJobs(t, store, clock, 0, 1, 2)

		claimed := make(chan uuid.UUID, 2)
		var wg sync.WaitGroup
		for _, worker := range []string{"worker-a", "worker-b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, err := store.Claim(ctx, worker)
				if assert.NoError(t, err) && assert.NotNil(t, job) {
					claimed <- job.ID
				}
			}()
		}
		wg.Wait()
		close(claimed)

		var first []uuid.UUID
		for id := range claimed {
			first = append(first, id)
		}
		assert.ElementsMatch(t, []uuid.UUID{created[0].ID, created[1].ID}, first)

		job, err := store.Claim(ctx, "worker-c")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, created[2].ID, job.ID)
	})

	t.Run("Claim_ConcurrentWorkersNeverShareAJob", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))

		const numJobs = 20
		const numWorkers = 8
		priorities := make([]int, numJobs)
		createJobs(t, store, clock, priorities...)

		var (
			claimed   sync.Map
			claims    atomic.Int32
			wg        sync.WaitGroup
			duplicate atomic.Bool
		)
		for w := range numWorkers {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				for {
					job, err := store.Claim(ctx, workerID)
					if errors.Is(err, jobs.ErrClaimConflict) {
						continue
					}
					if !assert.NoError(t, err) || job == nil {
						return
					}

					if _, loaded := claimed.LoadOrStore(job.ID, workerID); loaded {
						duplicate.Store(true)
					}
					claims.Add(1)
				}
			}(fmt.Sprintf("worker-%d", w))
		}
		wg.Wait()

		assert.False(t, duplicate.Load(), "a job was claimed by more than one worker")
		assert.EqualValues(t, numJobs, claims.Load())
	})

	t.Run("Claim_IgnoresJobsNotYetAvailable", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		job := createJobs(t, store, clock, 0)[0]

		claimed, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, store.Finish(ctx, job.ID, "worker-a", jobs.RetryOutcome(errExpected, clock.Now().Add(time.Minute))))

		none, err := store.Claim(ctx, "worker-a")
		assert.NoError(t, err)
		assert.Nil(t, none, "job should not be claimable before its retry time")

		clock.Advance(time.Minute)
		retried, err := store.Claim(ctx, "worker-b")
		require.NoError(t, err)
		require.NotNil(t, retried)
		assert.Equal(t, job.ID, retried.ID)
		assert.Equal(t, 1, retried.RetryCount)
	})

	t.Run("ReclaimStale_ResetsAbandonedLocks", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now), jobs.WithStaleThreshold(10*time.Minute))
		job := createJobs(t, store, clock, 0)[0]

		claimed, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		clock.Advance(9 * time.Minute)
		none, err := store.Claim(ctx, "worker-b")
		assert.NoError(t, err)
		assert.Nil(t, none, "lock is still fresh")

		clock.Advance(2 * time.Minute)
		reclaimed, err := store.Claim(ctx, "worker-b")
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, job.ID, reclaimed.ID)
		assert.Equal(t, "worker-b", *reclaimed.WorkerID)
		assert.Equal(t, 0, reclaimed.RetryCount, "stale recovery is not a retry")

		assert.ErrorIs(t, store.Heartbeat(ctx, job.ID, "worker-a"), jobs.ErrLockLost)
		assert.ErrorIs(t, store.Finish(ctx, job.ID, "worker-a", jobs.DoneOutcome("https://x", "")), jobs.ErrLockLost)
	})

	t.Run("Heartbeat_KeepsLockFresh", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now), jobs.WithStaleThreshold(10*time.Minute))
		job := createJobs(t, store, clock, 0)[0]

		_, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)

		for range 3 {
			clock.Advance(8 * time.Minute)
			require.NoError(t, store.Heartbeat(ctx, job.ID, "worker-a"))
		}

		n, err := store.ReclaimStale(ctx, clock.Now().Add(-10*time.Minute))
		assert.NoError(t, err)
		assert.Zero(t, n)

		fetched, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.Processing, fetched.Status)
		assert.Equal(t, "worker-a", *fetched.WorkerID)
	})

	t.Run("Finish_Done", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		job := createJobs(t, store, clock, 0)[0]

		_, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)
		require.NoError(t, store.SetProgress(ctx, job.ID, "worker-a", 140))

		midway, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 100, midway.Progress, "progress should be clamped")

		require.NoError(t, store.Finish(ctx, job.ID, "worker-a", jobs.DoneOutcome("https://cdn/videos/a.mp4", "https://cdn/thumbnails/a.jpg")))

		done, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.Done, done.Status)
		assert.False(t, done.IsLocked())
		assert.Nil(t, done.WorkerID)
		assert.Equal(t, "https://cdn/videos/a.mp4", *done.ResultURL)
		assert.Equal(t, "https://cdn/thumbnails/a.jpg", *done.ThumbnailURL)
		assert.Equal(t, 100, done.Progress)

		assert.ErrorIs(t, store.Finish(ctx, job.ID, "worker-a", jobs.FailedOutcome(errExpected)), jobs.ErrLockLost, "terminal jobs cannot be finished twice")
	})

	t.Run("Finish_Failed", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		job := createJobs(t, store, clock, 0)[0]

		_, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)
		require.NoError(t, store.Finish(ctx, job.ID, "worker-a", jobs.FailedOutcome(errExpected)))

		failed, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.Failed, failed.Status)
		assert.Equal(t, errExpected.Error(), *failed.Error)
		assert.Nil(t, failed.ResultURL)
	})

	t.Run("Finish_RejectsIllegalStatus", func(t *testing.T) {
		store := newStore(t)
		err := store.Finish(ctx, uuid.New(), "worker-a", jobs.Outcome{Status: jobs.Processing})
		assert.ErrorIs(t, err, jobs.ErrIllegalStatus)
	})

	t.Run("UnknownJob", func(t *testing.T) {
		store := newStore(t)
		id := uuid.New()

		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)
		assert.ErrorIs(t, store.Heartbeat(ctx, id, "worker-a"), jobs.ErrJobNotFound)
		assert.ErrorIs(t, store.SetProgress(ctx, id, "worker-a", 10), jobs.ErrJobNotFound)
	})

	t.Run("List_FiltersByStatusNewestFirst", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, jobs.WithClock(clock.Now))
		created := createJobs(t, store, clock, 0, 0, 0)

		_, err := store.Claim(ctx, "worker-a")
		require.NoError(t, err)

		all, err := store.List(ctx, jobs.ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, created[2].ID, all[0].ID)
		assert.Equal(t, created[0].ID, all[2].ID)

		queued := jobs.Queued
		onlyQueued, err := store.List(ctx, jobs.ListFilter{Status: &queued, Limit: 1})
		require.NoError(t, err)
		require.Len(t, onlyQueued, 1)
		assert.Equal(t, created[2].ID, onlyQueued[0].ID)
	})
}

package jobs_test

import (
	"testing"

	"github.com/clipvault/ingest/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreContract(t, func(_ *testing.T, opts ...jobs.Option) jobs.Store {
		return jobs.NewMemoryStore(opts...)
	})
}

// Three jobs submitted in order with equal priority are processed A, B, C
// by a single worker, and each reaches done with its own result.
func TestMemoryStore_SequentialWorkerProcessesInOrder(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := jobs.NewMemoryStore(jobs.WithClock(clock.Now))
	created := createJobs(t, store, clock, 0, 0, 0)

	for i, expected := range created {
		job, err := store.Claim(ctx, "solo")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, expected.ID, job.ID, "job %d claimed out of order", i)
		require.NoError(t, store.Finish(ctx, job.ID, "solo", jobs.DoneOutcome(expected.SourceURL, "")))
	}

	for _, expected := range created {
		job, err := store.Get(ctx, expected.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.Done, job.Status)
		assert.Equal(t, expected.SourceURL, *job.ResultURL)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	store := jobs.NewMemoryStore()
	job := newTestJob(0)
	require.NoError(t, store.Create(ctx, job))

	fetched, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	fetched.Status = jobs.Failed

	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Queued, again.Status)
}

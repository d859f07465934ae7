package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Done       Status = "done"
	Failed     Status = "failed"
)

var (
	ErrJobNotFound   = errors.New("job does not exist")
	ErrLockLost      = errors.New("job is no longer locked by this worker")
	ErrClaimConflict = errors.New("job claim lost to a concurrent worker")
	ErrIllegalStatus = errors.New("illegal outcome status")
)

// Job is a single unit of ingestion work. Jobs are created by an external submitter,
// mutated only through a Store, and never deleted.
//
// A job is processing if and only if WorkerID and LockedAt are both set.
type Job struct {
	ID           uuid.UUID  `db:"id"`
	Seq          int64      `db:"seq"`
	SourceURL    string     `db:"source_url"`
	SourceAuth   *string    `db:"source_auth"`
	Status       Status     `db:"status"`
	Title        string     `db:"title"`
	TitleSource  string     `db:"title_source"`
	StreamerID   *string    `db:"streamer_id"`
	StreamerName *string    `db:"streamer_name"`
	Priority     int        `db:"priority"`
	ResultURL    *string    `db:"result_url"`
	ThumbnailURL *string    `db:"thumbnail_url"`
	Error        *string    `db:"error"`
	Progress     int        `db:"progress"`
	WorkerID     *string    `db:"worker_id"`
	LockedAt     *time.Time `db:"locked_at"`
	RetryCount   int        `db:"retry_count"`
	Version      int64      `db:"version"`
	AvailableAt  time.Time  `db:"available_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Outcome describes how a worker is releasing a job it owns. Done and
// Failed are terminal; Queued returns the job to the queue for another
// attempt no earlier than RetryAt.
type Outcome struct {
	Status       Status
	ResultURL    string
	ThumbnailURL string
	Error        string
	RetryAt      time.Time
}

func DoneOutcome(resultURL string, thumbnailURL string) Outcome {
	return Outcome{Status: Done, ResultURL: resultURL, ThumbnailURL: thumbnailURL}
}

func FailedOutcome(err error) Outcome {
	return Outcome{Status: Failed, Error: err.Error()}
}

func RetryOutcome(err error, at time.Time) Outcome {
	return Outcome{Status: Queued, Error: err.Error(), RetryAt: at}
}

func (o Outcome) validate() error {
	switch o.Status {
	case Done, Failed, Queued:
		return nil
	}

	return fmt.Errorf("%w: %s", ErrIllegalStatus, o.Status)
}

// IsLocked reports whether the job holds a worker lock.
func (job *Job) IsLocked() bool {
	return job.WorkerID != nil && job.LockedAt != nil
}

// IsStale reports whether this job is processing under a lock that
// was last renewed before the cutoff provided.
func (job *Job) IsStale(cutoff time.Time) bool {
	return job.Status == Processing && job.LockedAt != nil && job.LockedAt.Before(cutoff)
}

func (job *Job) String() string {
	worker := "-"
	if job.WorkerID != nil {
		worker = *job.WorkerID
	}

	return fmt.Sprintf("Job{ID=%s status=%s priority=%d worker=%s retries=%d}", job.ID, job.Status, job.Priority, worker, job.RetryCount)
}

func (s Status) IsTerminal() bool { return s == Done || s == Failed }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

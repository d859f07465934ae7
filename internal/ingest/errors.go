package ingest

import (
	"errors"
	"fmt"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/fetch"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/objectstore"
)

type Stage string

const (
	FETCH     Stage = "fetch"
	TRANSCODE Stage = "transcode"
	UPLOAD    Stage = "upload"
	CATALOG   Stage = "catalog"
)

// StageError records which step of the pipeline a job failed in. The
// message written to the job record is the StageError's message.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// isRetryable reports whether a later attempt at the job could succeed.
// Errors that are not recognised are treated as transient; the attempt
// limit bounds them either way.
func isRetryable(err error) bool {
	var fetchErr *fetch.NetworkError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}

	var (
		storeNetErr   *objectstore.NetworkError
		storeAuthErr  *objectstore.AuthExpiredError
		storeWriteErr *objectstore.StorageWriteError
	)
	switch {
	case errors.As(err, &storeNetErr), errors.As(err, &storeAuthErr), errors.As(err, &storeWriteErr):
		return true
	}

	var (
		transcodeErr *ffmpeg.TranscodeError
		integrityErr *catalog.IntegrityError
	)
	switch {
	case errors.As(err, &transcodeErr), errors.As(err, &integrityErr):
		return false
	case errors.Is(err, catalog.ErrStreamerIdentifier), errors.Is(err, catalog.ErrDuplicateVideo):
		return false
	}

	return true
}

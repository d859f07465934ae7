package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/pkg/logger"
)

const finishTimeout = 30 * time.Second

// Progress checkpoints for each stage of the pipeline. The fetch and
// transcode stages report progress continuously between their bounds.
const (
	progressFetchEnd     = 40
	progressProbed       = 45
	progressTranscodeEnd = 80
	progressUploaded     = 85
	progressThumbnail    = 90
	progressCataloged    = 95
)

type (
	// ingestion is the state of a single claimed job as it moves through
	// the pipeline. Temporary files and uploaded blobs are tracked so they
	// can be cleaned up on every exit path.
	ingestion struct {
		*Coordinator
		job      *jobs.Job
		workerID string
		cancel   context.CancelCauseFunc

		progressMu   sync.Mutex
		lastProgress int

		tempFiles []string
		uploads   []objectstore.FileInfo

		// cataloged is set once the catalog references this attempt's
		// uploads; from then on they are never deleted.
		cataloged bool
	}

	result struct {
		videoURL     string
		thumbnailURL string
	}
)

// process drives the claimed job through the pipeline while a heartbeat keeps
// its lock fresh, and then records the outcome. If the lock is lost part way
// through, the job is abandoned without writing an outcome.
func (coordinator *Coordinator) process(ctx context.Context, workerID string, job *jobs.Job) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	item := &ingestion{Coordinator: coordinator, job: job, workerID: workerID, cancel: cancel}
	defer item.removeTempFiles()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		item.heartbeat(jobCtx)
	}()

	res, err := item.ingest(jobCtx)
	cancel(nil)
	<-heartbeatDone

	if errors.Is(context.Cause(jobCtx), jobs.ErrLockLost) {
		if item.cataloged {
			log.Emit(logger.WARNING, "Worker %s lost the lock on job %s after cataloging it, leaving outcome to the new owner\n", workerID, job.ID)
			return
		}

		log.Emit(logger.WARNING, "Worker %s lost the lock on job %s, abandoning it\n", workerID, job.ID)
		item.deleteUploads()
		return
	}

	finishCtx, finishCancel := context.WithTimeout(context.Background(), finishTimeout)
	defer finishCancel()

	outcome := item.outcomeFor(ctx, res, err)
	if err := coordinator.Store.Finish(finishCtx, job.ID, workerID, outcome); err != nil {
		log.Emit(logger.ERROR, "Failed to record outcome %s for job %s: %v\n", outcome.Status, job.ID, err)
		return
	}

	if updated, err := coordinator.Store.Get(finishCtx, job.ID); err == nil {
		coordinator.dispatch(event.JOB_UPDATE, updated)
	}
}

// outcomeFor decides how a job is released: done on success, otherwise
// requeued with backoff if the failure is transient and attempts remain,
// otherwise failed.
func (item *ingestion) outcomeFor(parent context.Context, res *result, err error) jobs.Outcome {
	if err == nil {
		log.Emit(logger.SUCCESS, "Job %s ingested to %s\n", item.job.ID, res.videoURL)
		return jobs.DoneOutcome(res.videoURL, res.thumbnailURL)
	}

	item.deleteUploads()
	if parent.Err() != nil {
		// Shutting down; hand the job straight back to the queue.
		log.Emit(logger.STOP, "Job %s interrupted by shutdown, requeueing\n", item.job.ID)
		return jobs.RetryOutcome(err, item.clock())
	}

	attempt := item.job.RetryCount + 1
	if isRetryable(err) && attempt < item.config.MaxAttempts {
		retryAt := item.clock().Add(item.config.retryDelay(item.job.RetryCount))
		log.Emit(logger.WARNING, "Job %s attempt %d/%d failed, retrying at %s: %v\n", item.job.ID, attempt, item.config.MaxAttempts, retryAt.Format(time.RFC3339), err)
		return jobs.RetryOutcome(err, retryAt)
	}

	log.Emit(logger.ERROR, "Job %s failed after %d attempt(s): %v\n", item.job.ID, attempt, err)
	return jobs.FailedOutcome(err)
}

// heartbeat renews the job lock until the context is cancelled. Losing the
// lock cancels the job.
func (item *ingestion) heartbeat(ctx context.Context) {
	interval := item.config.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := item.Store.Heartbeat(ctx, item.job.ID, item.workerID); err != nil {
				if errors.Is(err, jobs.ErrLockLost) || errors.Is(err, jobs.ErrJobNotFound) {
					item.cancel(jobs.ErrLockLost)
					return
				}

				log.Emit(logger.WARNING, "Heartbeat for job %s failed: %v\n", item.job.ID, err)
			}
		}
	}
}

func (item *ingestion) ingest(ctx context.Context) (*result, error) {
	job := item.job

	sourcePath, err := item.Fetcher.Fetch(ctx, job.SourceURL, derefString(job.SourceAuth), func(written int64, total int64) {
		if total > 0 {
			item.setProgress(ctx, int(written*progressFetchEnd/total))
		}
	})
	if err != nil {
		return nil, stageErr(FETCH, err)
	}
	item.tempFiles = append(item.tempFiles, sourcePath)
	item.setProgress(ctx, progressFetchEnd)

	codec := ffmpeg.UnknownCodec
	var duration float64
	if info, err := item.Inspector.Inspect(ctx, sourcePath); err != nil {
		log.Emit(logger.WARNING, "%v\n", &ffmpeg.CodecProbeError{Path: sourcePath, Err: err})
	} else {
		codec = info.VideoCodec
		duration = info.Duration
	}
	item.setProgress(ctx, progressProbed)

	uploadPath, err := item.transcodeIfRequired(ctx, sourcePath, codec)
	if err != nil {
		return nil, stageErr(TRANSCODE, err)
	}

	stamp := item.clock()
	videoName := VideoName(stamp, job.Title, uploadPath)
	if err := item.upload(ctx, videoName, uploadPath); err != nil {
		return nil, stageErr(UPLOAD, err)
	}
	res := &result{videoURL: item.Uploader.PublicURL(videoName)}
	item.setProgress(ctx, progressUploaded)

	if item.Thumbnailer != nil {
		res.thumbnailURL = item.uploadThumbnail(ctx, uploadPath, ThumbnailName(stamp, job.Title))
	}
	item.setProgress(ctx, progressThumbnail)

	video := catalog.Video{
		ID:           job.ID.String(),
		StreamerID:   derefString(job.StreamerID),
		Title:        job.Title,
		VideoURL:     res.videoURL,
		ThumbnailURL: res.thumbnailURL,
		Duration:     duration,
	}
	if _, err := item.Catalog.AddVideo(ctx, video, derefString(job.StreamerName)); err != nil {
		if errors.Is(err, catalog.ErrDuplicateVideo) {
			return item.existingResult(ctx)
		}
		if ctx.Err() == nil || !item.confirmCataloged(video) {
			return nil, stageErr(CATALOG, err)
		}
	}
	item.markCataloged()
	item.setProgress(ctx, progressCataloged)

	if item.eventBus != nil {
		item.eventBus.Dispatch(event.CATALOG_UPDATE, video.ID)
	}

	return res, nil
}

// transcodeIfRequired returns the path of the file to upload: the source
// itself unless its codec must be re-encoded, or a transcoded copy. A failed transcode
// falls back to the source unless the coordinator is configured to fail hard.
func (item *ingestion) transcodeIfRequired(ctx context.Context, sourcePath string, codec string) (string, error) {
	if !item.Codecs.RequiresTranscode(codec) {
		if codec == ffmpeg.UnknownCodec {
			log.Emit(logger.INFO, "Codec of job %s could not be determined, storing it as-is\n", item.job.ID)
		}
		return sourcePath, nil
	}

	target := item.Codecs.TargetCodec
	log.Emit(logger.INFO, "Job %s has codec %s, transcoding to %s\n", item.job.ID, codec, target)
	span := float64(progressTranscodeEnd - progressProbed)
	output, err := item.Transcoder.Transcode(ctx, sourcePath, target, func(percent float64) {
		item.setProgress(ctx, progressProbed+int(percent*span/100))
	})
	if err == nil {
		item.tempFiles = append(item.tempFiles, output)
		return output, nil
	}

	if errors.Is(err, ffmpeg.ErrTranscodingDisabled) || !item.config.FailOnTranscodeError {
		log.Emit(logger.WARNING, "Transcode of job %s failed, uploading original encoding: %v\n", item.job.ID, err)
		return sourcePath, nil
	}

	return "", err
}

func (item *ingestion) upload(ctx context.Context, name string, path string) error {
	info, err := item.Uploader.PutFile(ctx, name, path, ContentTypeOf(path))
	if err != nil {
		return err
	}

	item.uploads = append(item.uploads, *info)
	return nil
}

// uploadThumbnail extracts and uploads a preview frame, returning its URL.
// Thumbnails are optional: failures are logged and an empty URL returned.
func (item *ingestion) uploadThumbnail(ctx context.Context, videoPath string, name string) string {
	thumbPath, err := item.Thumbnailer.Extract(ctx, videoPath)
	if err != nil {
		log.Emit(logger.WARNING, "Failed to extract thumbnail for job %s: %v\n", item.job.ID, err)
		return ""
	}
	item.tempFiles = append(item.tempFiles, thumbPath)

	if err := item.upload(ctx, name, thumbPath); err != nil {
		log.Emit(logger.WARNING, "Failed to upload thumbnail for job %s: %v\n", item.job.ID, err)
		return ""
	}

	return item.Uploader.PublicURL(name)
}

// markCataloged hands ownership of this attempt's uploads to the catalog.
func (item *ingestion) markCataloged() {
	item.cataloged = true
	item.uploads = nil
}

// confirmCataloged is consulted when AddVideo was interrupted: the append may
// still have been saved, so the stored document decides whether the uploads
// are referenced. The check uses its own deadline as ctx is already done.
func (item *ingestion) confirmCataloged(video catalog.Video) bool {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	doc, err := item.Catalog.Load(ctx)
	if err != nil {
		log.Emit(logger.WARNING, "Unable to confirm whether job %s was cataloged, keeping its uploads: %v\n", item.job.ID, err)
		item.uploads = nil
		return false
	}

	if doc == nil {
		return false
	}

	existing := doc.Video(video.ID)
	return existing != nil && existing.VideoURL == video.VideoURL
}

// existingResult handles a job whose video is already in the catalog (an
// earlier attempt appended it but failed to record the outcome). The blobs
// uploaded by this attempt are discarded in favour of the cataloged ones.
func (item *ingestion) existingResult(ctx context.Context) (*result, error) {
	doc, err := item.Catalog.Load(ctx)
	if err != nil {
		return nil, stageErr(CATALOG, err)
	}

	var existing *catalog.Video
	if doc != nil {
		existing = doc.Video(item.job.ID.String())
	}
	if existing == nil {
		return nil, stageErr(CATALOG, fmt.Errorf("%w: %s reported but not found", catalog.ErrDuplicateVideo, item.job.ID))
	}

	log.Emit(logger.INFO, "Job %s was already cataloged, reusing %s\n", item.job.ID, existing.VideoURL)
	item.uploads = slices.DeleteFunc(item.uploads, func(file objectstore.FileInfo) bool {
		url := item.Uploader.PublicURL(file.FileName)
		return url == existing.VideoURL || url == existing.ThumbnailURL
	})
	item.deleteUploads()
	item.markCataloged()
	return &result{videoURL: existing.VideoURL, thumbnailURL: existing.ThumbnailURL}, nil
}

// setProgress records progress on the job, ignoring values that do not
// advance it by at least one percent.
func (item *ingestion) setProgress(ctx context.Context, progress int) {
	item.progressMu.Lock()
	if progress <= item.lastProgress {
		item.progressMu.Unlock()
		return
	}
	item.lastProgress = progress
	item.progressMu.Unlock()

	if err := item.Store.SetProgress(ctx, item.job.ID, item.workerID, progress); err != nil {
		if errors.Is(err, jobs.ErrLockLost) {
			item.cancel(jobs.ErrLockLost)
			return
		}

		log.Emit(logger.DEBUG, "Failed to record progress for job %s: %v\n", item.job.ID, err)
		return
	}

	snapshot := *item.job
	snapshot.Progress = progress
	item.dispatch(event.JOB_PROGRESS, &snapshot)
}

// deleteUploads removes blobs uploaded by this attempt, so that a failed or
// abandoned attempt does not leave orphans in the object store. Nothing is
// deleted once the catalog references the uploads.
func (item *ingestion) deleteUploads() {
	if item.cataloged || len(item.uploads) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	for _, file := range item.uploads {
		if err := item.Uploader.Delete(ctx, file); err != nil {
			log.Emit(logger.WARNING, "Failed to delete orphaned upload %s: %v\n", file.FileName, err)
		}
	}

	item.uploads = nil
}

func (item *ingestion) removeTempFiles() {
	for _, path := range item.tempFiles {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove temporary file %s: %v\n", path, err)
		}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

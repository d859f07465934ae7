// Package repair implements the maintenance pass over the catalog: it re-checks
// the encoding of stored videos, re-encodes any whose codec requires it,
// and corrects streamer video counts which have drifted.
package repair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/ingest"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.Get("Repair")

var ErrForeignBlob = errors.New("video is not stored in the configured bucket")

type (
	Catalog interface {
		Load(ctx context.Context) (*catalog.Document, error)
		Mutate(ctx context.Context, fn func(*catalog.Document) error) (*catalog.Document, error)
		UpdateVideo(ctx context.Context, id string, fn func(*catalog.Video) error) (*catalog.Video, error)
	}

	Blobs interface {
		DownloadTo(ctx context.Context, name string, w io.Writer) error
		PutFile(ctx context.Context, name string, path string, contentType string) (*objectstore.FileInfo, error)
		Delete(ctx context.Context, file objectstore.FileInfo) error
		PublicURL(name string) string
	}

	Inspector interface {
		Probe(ctx context.Context, path string) string
	}

	Dependencies struct {
		Catalog    Catalog
		Blobs      Blobs
		Inspector  Inspector
		Transcoder ffmpeg.Transcoder
		Codecs     ffmpeg.Config

		// TempDir holds downloaded videos while they are inspected. Empty
		// means the system default.
		TempDir string
	}

	// Options selects which videos are processed. An empty Keyword selects
	// every video. When Scan is set nothing is modified.
	Options struct {
		Keyword     string
		Scan        bool
		Concurrency int
	}

	Outcome string

	ItemResult struct {
		VideoID string
		Title   string
		Codec   string
		Outcome Outcome
		Err     error
	}

	Report struct {
		Items []ItemResult

		// Problems are the integrity problems found in the catalog when
		// the run started. FixedDrift lists the count drift corrected.
		Problems   []catalog.Problem
		FixedDrift []catalog.Problem
	}

	Repairer struct {
		Dependencies
		clock func() time.Time
	}

	Option func(*Repairer)
)

const (
	Healthy        Outcome = "healthy"
	NeedsTranscode Outcome = "needs_transcode"
	Transcoded     Outcome = "transcoded"
	Failed         Outcome = "failed"
)

func WithClock(clock func() time.Time) Option {
	return func(r *Repairer) { r.clock = clock }
}

func New(deps Dependencies, opts ...Option) *Repairer {
	if deps.Transcoder == nil {
		deps.Transcoder = ffmpeg.NoopTranscoder{}
	}

	repairer := &Repairer{Dependencies: deps, clock: time.Now}
	for _, opt := range opts {
		opt(repairer)
	}

	return repairer
}

// Count returns the number of items with the outcome given.
func (report *Report) Count(outcome Outcome) int {
	n := 0
	for _, item := range report.Items {
		if item.Outcome == outcome {
			n++
		}
	}

	return n
}

// Run processes each selected video independently, at most opts.Concurrency at
// a time. Failures of individual videos are recorded in the report and never
// abort the run; an error is only returned if the catalog cannot be read.
func (r *Repairer) Run(ctx context.Context, opts Options) (*Report, error) {
	doc, err := r.Catalog.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if doc == nil {
		log.Emit(logger.INFO, "Catalog is empty, nothing to repair\n")
		return &Report{}, nil
	}

	report := &Report{Problems: catalog.Validate(doc)}
	for _, p := range report.Problems {
		log.Emit(logger.WARNING, "Integrity problem: %s\n", p)
	}

	if !opts.Scan && hasDrift(report.Problems) {
		report.FixedDrift = r.fixDrift(ctx)
	}

	videos := selectVideos(doc, opts.Keyword)
	log.Emit(logger.INFO, "Processing %d of %d videos (scan=%v)\n", len(videos), len(doc.Videos), opts.Scan)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(opts.Concurrency, 1))
	for _, video := range videos {
		group.Go(func() error {
			res := r.processVideo(groupCtx, video, opts.Scan)
			if res.Err != nil {
				log.Emit(logger.ERROR, "Failed to repair video %s (%q): %v\n", video.ID, video.Title, res.Err)
			}

			mu.Lock()
			report.Items = append(report.Items, res)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	log.Emit(logger.SUCCESS, "Repair finished: %d healthy, %d transcoded, %d need transcoding, %d failed\n",
		report.Count(Healthy), report.Count(Transcoded), report.Count(NeedsTranscode), report.Count(Failed))
	return report, nil
}

// fixDrift recounts every streamer against the latest stored document. A
// failure is logged; drift does not prevent the per-video repairs.
func (r *Repairer) fixDrift(ctx context.Context) []catalog.Problem {
	var fixed []catalog.Problem
	_, err := r.Catalog.Mutate(ctx, func(doc *catalog.Document) error {
		fixed = catalog.RecountStreamers(doc)
		return nil
	})
	if err != nil {
		log.Emit(logger.ERROR, "Failed to correct streamer video counts: %v\n", err)
		return nil
	}

	for _, p := range fixed {
		log.Emit(logger.SUCCESS, "Corrected video count of streamer %s (%d -> %d)\n", p.StreamerID, p.Recorded, p.Actual)
	}

	return fixed
}

func (r *Repairer) processVideo(ctx context.Context, video catalog.Video, scan bool) ItemResult {
	res := ItemResult{VideoID: video.ID, Title: video.Title}
	fail := func(err error) ItemResult {
		res.Outcome = Failed
		res.Err = err
		return res
	}

	name, err := r.blobName(video.VideoURL)
	if err != nil {
		return fail(err)
	}

	path, err := r.download(ctx, name)
	if err != nil {
		return fail(fmt.Errorf("download %s: %w", name, err))
	}
	defer removeFile(path)

	res.Codec = r.Inspector.Probe(ctx, path)
	if !r.Codecs.RequiresTranscode(res.Codec) {
		res.Outcome = Healthy
		return res
	}
	if scan {
		log.Emit(logger.INFO, "Video %s (%q) is encoded as %s\n", video.ID, video.Title, res.Codec)
		res.Outcome = NeedsTranscode
		return res
	}

	output, err := r.Transcoder.Transcode(ctx, path, r.Codecs.TargetCodec, nil)
	if err != nil {
		return fail(err)
	}
	defer removeFile(output)

	replacement := ingest.VideoName(r.clock(), video.Title, output)
	info, err := r.Blobs.PutFile(ctx, replacement, output, ingest.ContentTypeOf(output))
	if err != nil {
		return fail(fmt.Errorf("upload %s: %w", replacement, err))
	}

	if _, err := r.Catalog.UpdateVideo(ctx, video.ID, func(v *catalog.Video) error {
		v.VideoURL = r.Blobs.PublicURL(replacement)
		return nil
	}); err != nil {
		if delErr := r.Blobs.Delete(context.WithoutCancel(ctx), *info); delErr != nil {
			log.Emit(logger.WARNING, "Failed to delete orphaned upload %s: %v\n", replacement, delErr)
		}
		return fail(fmt.Errorf("update catalog: %w", err))
	}

	log.Emit(logger.SUCCESS, "Re-encoded video %s (%q) from %s to %s\n", video.ID, video.Title, res.Codec, r.Codecs.TargetCodec)
	res.Outcome = Transcoded
	return res
}

// blobName recovers the object name from a public video URL.
func (r *Repairer) blobName(videoURL string) (string, error) {
	prefix := r.Blobs.PublicURL("")
	if videoURL == "" || !strings.HasPrefix(videoURL, prefix) {
		return "", fmt.Errorf("%w: %q", ErrForeignBlob, videoURL)
	}

	name, err := url.PathUnescape(strings.TrimPrefix(videoURL, prefix))
	if err != nil || name == "" {
		return "", fmt.Errorf("%w: %q", ErrForeignBlob, videoURL)
	}

	return name, nil
}

func (r *Repairer) download(ctx context.Context, name string) (string, error) {
	f, err := os.CreateTemp(r.TempDir, "repair-*"+extension(name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := r.Blobs.DownloadTo(ctx, name, f); err != nil {
		removeFile(f.Name())
		return "", err
	}

	return f.Name(), nil
}

func selectVideos(doc *catalog.Document, keyword string) []catalog.Video {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return doc.Videos
	}

	var selected []catalog.Video
	for _, v := range doc.Videos {
		if strings.Contains(strings.ToLower(v.Title), keyword) || strings.Contains(strings.ToLower(v.ID), keyword) {
			selected = append(selected, v)
		}
	}

	return selected
}

func hasDrift(problems []catalog.Problem) bool {
	for _, p := range problems {
		if p.Kind == catalog.CountDrift {
			return true
		}
	}

	return false
}

func extension(name string) string {
	if i := strings.LastIndex(name, "."); i > strings.LastIndex(name, "/") {
		return name[i:]
	}

	return ""
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to remove temporary file %s: %v\n", path, err)
	}
}

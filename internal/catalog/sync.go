package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/clipvault/ingest/pkg/logger"
)

var log = logger.Get("Catalog")

var (
	ErrStaleDocument = errors.New("catalog document changed since it was loaded")
	ErrClosed        = errors.New("catalog writer is not running")
)

type (
	// BlobStore is the subset of the object store client used by the
	// synchronizer.
	BlobStore interface {
		Put(ctx context.Context, name string, body io.ReadSeeker, contentType string) (*objectstore.FileInfo, error)
		Download(ctx context.Context, name string) ([]byte, error)
		List(ctx context.Context, prefix string) ([]objectstore.FileInfo, error)
		Delete(ctx context.Context, file objectstore.FileInfo) error
	}

	// Locker provides mutual exclusion across processes. The function
	// returned by Lock releases the lock.
	Locker interface {
		Lock(ctx context.Context) (func(), error)
	}

	Config struct {
		Path             string        `yaml:"path" env:"CATALOG_PATH" env-default:"db.json"`
		BackupPrefix     string        `yaml:"backup_prefix" env:"CATALOG_BACKUP_PREFIX" env-default:"backups/"`
		BackupRetention  int           `yaml:"backup_retention" env:"CATALOG_BACKUP_RETENTION" env-default:"30" validate:"min=1"`
		BackupAttempts   int           `yaml:"backup_attempts" env:"CATALOG_BACKUP_ATTEMPTS" env-default:"3" validate:"min=1"`
		BackupRetryDelay time.Duration `yaml:"backup_retry_delay" env:"CATALOG_BACKUP_RETRY_DELAY" env-default:"2s"`
		BackupTimeout    time.Duration `yaml:"backup_timeout" env:"CATALOG_BACKUP_TIMEOUT" env-default:"2m"`
		UseAdvisoryLock  bool          `yaml:"use_advisory_lock" env:"CATALOG_USE_ADVISORY_LOCK"`
	}

	Option func(*Synchronizer)

	// writeRequest is a unit of work for the single writer. The apply function
	// receives the freshly loaded document (nil for a fresh install) and
	// returns the document to store.
	writeRequest struct {
		ctx   context.Context
		apply func(current *Document) (*Document, error)
		reply chan writeResult
	}

	writeResult struct {
		doc *Document
		err error
	}

	// Synchronizer owns reads and writes of the catalog document. All mutations
	// made through Mutate (and the helpers built on it) are executed one at a time
	// by the writer goroutine started with Run, and each re-reads the stored
	// document immediately before writing it back. When a Locker is configured,
	// mutations are also serialised with writers in other processes.
	//
	// SaveFull bypasses the writer entirely: it overwrites whatever is stored
	// with the document given (last writer wins). Bulk edits should prefer
	// SaveFullIfUnchanged, or Mutate.
	Synchronizer struct {
		config Config
		store  BlobStore
		locker Locker
		clock  func() time.Time

		requests chan *writeRequest
		stopped  chan struct{}
		runOnce  sync.Once

		backupMu sync.Mutex
		bg       sync.WaitGroup
	}
)

func WithLocker(locker Locker) Option {
	return func(s *Synchronizer) { s.locker = locker }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

func New(config Config, store BlobStore, opts ...Option) *Synchronizer {
	if config.Path == "" {
		config.Path = "db.json"
	}
	if config.BackupPrefix == "" {
		config.BackupPrefix = "backups/"
	}
	if config.BackupRetention <= 0 {
		config.BackupRetention = 30
	}
	if config.BackupAttempts <= 0 {
		config.BackupAttempts = 3
	}
	if config.BackupTimeout <= 0 {
		config.BackupTimeout = 2 * time.Minute
	}

	synchronizer := &Synchronizer{
		config:   config,
		store:    store,
		clock:    time.Now,
		requests: make(chan *writeRequest),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(synchronizer)
	}

	return synchronizer
}

// Run executes queued mutations until the context is cancelled. Only one
// call to Run is permitted per Synchronizer.
func (s *Synchronizer) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("catalog writer already started")
	}
	defer close(s.stopped)

	log.Emit(logger.NEW, "Catalog writer started for %s\n", s.config.Path)
	for {
		select {
		case req := <-s.requests:
			doc, err := s.execute(req)
			req.reply <- writeResult{doc, err}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Catalog writer stopping, waiting for background backups...\n")
			s.Wait()
			return nil
		}
	}
}

// Load reads the stored document, bypassing any caches. A missing document is
// not an error: nil is returned to indicate a fresh install.
func (s *Synchronizer) Load(ctx context.Context) (*Document, error) {
	data, err := s.store.Download(ctx, s.config.Path)
	if errors.Is(err, objectstore.ErrNotFound) {
		log.Emit(logger.INFO, "Catalog %s not found, treating as fresh install\n", s.config.Path)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s is not valid JSON: %w", s.config.Path, err)
	}

	return doc, nil
}

// SaveFull overwrites the stored document with the one given. If makeBackup is
// true a backup snapshot of the same bytes is written in the background, after
// which old backups beyond the retention cap are pruned.
//
// SaveFull does not check whether the stored document changed since doc was
// loaded: concurrent changes made in the meantime are lost.
func (s *Synchronizer) SaveFull(ctx context.Context, doc *Document, makeBackup bool) error {
	doc.normalise()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	if _, err := s.store.Put(ctx, s.config.Path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	doc.revision = revisionOf(data)

	if makeBackup {
		s.scheduleBackup(data, len(doc.Videos))
	}

	return nil
}

// SaveFullIfUnchanged behaves like SaveFull, but is executed by the writer and
// rejects the save with ErrStaleDocument if the stored document is no longer
// the one doc was loaded from.
func (s *Synchronizer) SaveFullIfUnchanged(ctx context.Context, doc *Document, makeBackup bool) error {
	_, err := s.submit(ctx, func(current *Document) (*Document, error) {
		currentRevision := ""
		if current != nil {
			currentRevision = current.revision
		}
		if currentRevision != doc.revision {
			return nil, ErrStaleDocument
		}

		return doc, nil
	}, makeBackup)

	return err
}

// Mutate applies fn to the latest stored document and saves the result (with a
// backup). The mutation is rejected if it introduces integrity problems. fn must
// not retain the document; the saved document is returned.
func (s *Synchronizer) Mutate(ctx context.Context, fn func(*Document) error) (*Document, error) {
	return s.submit(ctx, func(current *Document) (*Document, error) {
		if current == nil {
			current = &Document{}
			current.normalise()
		}

		before := Validate(current)
		if err := fn(current); err != nil {
			return nil, err
		}

		if introduced := introducedProblems(before, Validate(current)); len(introduced) > 0 {
			return nil, &IntegrityError{Problems: introduced}
		}

		return current, nil
	}, true)
}

func (s *Synchronizer) submit(ctx context.Context, apply func(*Document) (*Document, error), makeBackup bool) (*Document, error) {
	req := &writeRequest{
		ctx: ctx,
		apply: func(current *Document) (*Document, error) {
			doc, err := apply(current)
			if err != nil {
				return nil, err
			}

			return doc, s.SaveFull(ctx, doc, makeBackup)
		},
		reply: make(chan writeResult, 1),
	}

	select {
	case s.requests <- req:
	case <-s.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.doc.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Synchronizer) execute(req *writeRequest) (*Document, error) {
	if err := req.ctx.Err(); err != nil {
		return nil, err
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(req.ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire catalog lock: %w", err)
		}
		defer unlock()
	}

	current, err := s.Load(req.ctx)
	if err != nil {
		return nil, err
	}

	return req.apply(current)
}

// Wait blocks until all scheduled background backup and prune work is finished.
func (s *Synchronizer) Wait() {
	s.bg.Wait()
}

func (s *Synchronizer) scheduleBackup(data []byte, videoCount int) {
	name := s.backupName(videoCount)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		s.backupMu.Lock()
		defer s.backupMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.BackupTimeout)
		defer cancel()

		if err := s.writeBackup(ctx, name, data); err != nil {
			log.Errorf("Backup %s FAILED after %d attempts: %v\n", name, s.config.BackupAttempts, err)
			return
		}

		if err := s.pruneBackups(ctx); err != nil {
			log.Errorf("Failed to prune catalog backups: %v\n", err)
		}
	}()
}

func (s *Synchronizer) writeBackup(ctx context.Context, name string, data []byte) error {
	var err error
	for attempt := 1; attempt <= s.config.BackupAttempts; attempt++ {
		if _, err = s.store.Put(ctx, name, bytes.NewReader(data), "application/json"); err == nil {
			log.Emit(logger.DEBUG, "Wrote catalog backup %s\n", name)
			return nil
		}

		log.Warnf("Backup %s attempt %d/%d failed: %v\n", name, attempt, s.config.BackupAttempts, err)
		if attempt < s.config.BackupAttempts {
			select {
			case <-time.After(s.config.BackupRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return err
}

// pruneBackups deletes the oldest backups until at most BackupRetention remain.
// Backup names embed a fixed-width timestamp so name order is age order.
func (s *Synchronizer) pruneBackups(ctx context.Context) error {
	files, err := s.store.List(ctx, s.backupNamePrefix())
	if err != nil {
		return err
	}

	excess := len(files) - s.config.BackupRetention
	if excess <= 0 {
		return nil
	}

	slices.SortFunc(files, func(a, b objectstore.FileInfo) int { return strings.Compare(a.FileName, b.FileName) })
	var errs []error
	for _, f := range files[:excess] {
		if err := s.store.Delete(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", f.FileName, err))
			continue
		}
		log.Emit(logger.DEBUG, "Pruned catalog backup %s\n", f.FileName)
	}

	return errors.Join(errs...)
}

func (s *Synchronizer) backupNamePrefix() string {
	return s.config.BackupPrefix + "db_"
}

// backupName returns the name of a backup taken now, of the form
// backups/db_2024-03-01T12-00-00-000000000Z_v42.json.
func (s *Synchronizer) backupName(videoCount int) string {
	ts := s.clock().UTC().Format("2006-01-02T15:04:05.000000000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)

	return fmt.Sprintf("%s%s_v%d.json", s.backupNamePrefix(), ts, videoCount)
}

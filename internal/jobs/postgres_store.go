package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/clipvault/ingest/internal/database"
	"github.com/google/uuid"
)

const jobTable = "jobs"

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	jobColumns = []string{
		"id", "seq", "source_url", "source_auth", "status", "title", "title_source",
		"streamer_id", "streamer_name", "priority", "result_url", "thumbnail_url",
		"error", "progress", "worker_id", "locked_at", "retry_count", "version",
		"available_at", "created_at", "updated_at",
	}
)

// PostgresStore persists jobs in the 'jobs' table. All state transitions
// are single conditional UPDATE statements, so correctness does not depend
// on any in-process locking and multiple processes may share the table.
type PostgresStore struct {
	db database.Queryable
	options
}

func NewPostgresStore(db database.Queryable, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, options: buildOptions(opts)}
}

func (store *PostgresStore) Create(ctx context.Context, job *Job) error {
	newJobDefaults(job, store.clock())

	query, args, err := psql.Insert(jobTable).
		Columns("id", "source_url", "source_auth", "status", "title", "title_source", "streamer_id",
			"streamer_name", "priority", "progress", "retry_count", "version", "available_at",
			"created_at", "updated_at").
		Values(job.ID, job.SourceURL, job.SourceAuth, job.Status, job.Title, job.TitleSource, job.StreamerID,
			job.StreamerName, job.Priority, job.Progress, job.RetryCount, job.Version, job.AvailableAt,
			job.CreatedAt, job.UpdatedAt).
		Suffix("RETURNING seq").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert for job %s: %w", job.ID, err)
	}

	if err := store.db.GetContext(ctx, &job.Seq, query, args...); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return nil
}

func (store *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	query, args, err := psql.Select(jobColumns...).From(jobTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := store.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}

	return &job, nil
}

func (store *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	builder := psql.Select(jobColumns...).From(jobTable).OrderBy("seq DESC")
	if filter.Status != nil {
		builder = builder.Where(sq.Eq{"status": *filter.Status})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var out []*Job
	if err := store.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return out, nil
}

func (store *PostgresStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := psql.Update(jobTable).
		Set("status", Queued).
		Set("worker_id", nil).
		Set("locked_at", nil).
		Set("progress", 0).
		Set("updated_at", store.clock()).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"status": Processing}).
		Where(sq.Lt{"locked_at": cutoff}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, err
	}

	var ids []uuid.UUID
	if err := store.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	for _, id := range ids {
		log.Warnf("Reclaimed stale job %s\n", id)
	}

	return len(ids), nil
}

func (store *PostgresStore) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := store.clock()
	if _, err := store.ReclaimStale(ctx, now.Add(-store.staleThreshold)); err != nil {
		return nil, err
	}

	return claimWithRetry(ctx, store, workerID, now)
}

func (store *PostgresStore) nextCandidate(ctx context.Context, now time.Time) (*candidate, error) {
	query, args, err := psql.Select("id", "version").
		From(jobTable).
		Where(sq.Eq{"status": Queued}).
		Where(sq.LtOrEq{"available_at": now}).
		OrderBy("priority ASC", "created_at ASC", "seq ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row struct {
		ID      uuid.UUID `db:"id"`
		Version int64     `db:"version"`
	}
	if err := store.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}

	return &candidate{id: row.ID, version: row.Version}, nil
}

func (store *PostgresStore) tryClaim(ctx context.Context, c *candidate, workerID string, now time.Time) (*Job, error) {
	query, args, err := psql.Update(jobTable).
		Set("status", Processing).
		Set("worker_id", workerID).
		Set("locked_at", now).
		Set("progress", 0).
		Set("updated_at", now).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": c.id, "status": Queued, "version": c.version}).
		Suffix(returningAll()).
		ToSql()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := store.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ClaimConflictError{JobID: c.id, Version: c.version}
		}

		return nil, fmt.Errorf("failed to claim job %s: %w", c.id, err)
	}

	return &job, nil
}

func (store *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	now := store.clock()
	return store.updateOwned(ctx, id, workerID, map[string]any{
		"locked_at":  now,
		"updated_at": now,
	})
}

func (store *PostgresStore) SetProgress(ctx context.Context, id uuid.UUID, workerID string, progress int) error {
	return store.updateOwned(ctx, id, workerID, map[string]any{
		"progress":   clampProgress(progress),
		"updated_at": store.clock(),
	})
}

func (store *PostgresStore) Finish(ctx context.Context, id uuid.UUID, workerID string, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}

	values := map[string]any{
		"status":     outcome.Status,
		"worker_id":  nil,
		"locked_at":  nil,
		"updated_at": store.clock(),
		"version":    sq.Expr("version + 1"),
	}

	switch outcome.Status {
	case Done:
		values["progress"] = 100
		values["result_url"] = strPtr(outcome.ResultURL)
		values["thumbnail_url"] = strPtr(outcome.ThumbnailURL)
		values["error"] = nil
	case Failed:
		values["progress"] = 100
		values["error"] = strPtr(outcome.Error)
	case Queued:
		values["progress"] = 0
		values["error"] = strPtr(outcome.Error)
		values["retry_count"] = sq.Expr("retry_count + 1")
		values["available_at"] = outcome.RetryAt
	}

	return store.updateOwned(ctx, id, workerID, values)
}

// updateOwned applies the given column values to the job only if it is
// still processing under the worker provided. When no row matches, the
// job is inspected to distinguish a missing job from a lost lock.
func (store *PostgresStore) updateOwned(ctx context.Context, id uuid.UUID, workerID string, values map[string]any) error {
	query, args, err := psql.Update(jobTable).
		SetMap(values).
		Where(sq.Eq{"id": id, "status": Processing, "worker_id": workerID}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := store.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}

	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 1 {
		return nil
	}

	if _, err := store.Get(ctx, id); err != nil {
		return err
	}

	return ErrLockLost
}

func returningAll() string {
	return "RETURNING " + strings.Join(jobColumns, ", ")
}

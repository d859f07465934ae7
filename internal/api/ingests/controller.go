package ingests

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clipvault/ingest/internal/api/util"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var controllerLogger = logger.Get("IngestsController")

const defaultListLimit = 100

type (
	// CreateRequest is the body accepted when submitting a new ingestion. One
	// of streamer_id or streamer_name must be provided.
	CreateRequest struct {
		SourceURL    string `json:"source_url" validate:"required,url"`
		SourceAuth   string `json:"source_auth"`
		Title        string `json:"title" validate:"required,max=200"`
		TitleSource  string `json:"title_source" validate:"omitempty,max=50"`
		StreamerID   string `json:"streamer_id" validate:"required_without=StreamerName"`
		StreamerName string `json:"streamer_name" validate:"required_without=StreamerID,max=100"`
		Priority     int    `json:"priority" validate:"min=0"`
	}

	// Dto is the response used by endpoints that return jobs. The
	// source auth header is never included.
	Dto struct {
		ID           uuid.UUID   `json:"id"`
		SourceURL    string      `json:"source_url"`
		Status       jobs.Status `json:"status"`
		Title        string      `json:"title"`
		TitleSource  string      `json:"title_source"`
		StreamerID   *string     `json:"streamer_id"`
		StreamerName *string     `json:"streamer_name"`
		Priority     int         `json:"priority"`
		ResultURL    *string     `json:"result_url"`
		ThumbnailURL *string     `json:"thumbnail_url"`
		Error        *string     `json:"error"`
		Progress     int         `json:"progress"`
		WorkerID     *string     `json:"worker_id"`
		LockedAt     *time.Time  `json:"locked_at"`
		RetryCount   int         `json:"retry_count"`
		AvailableAt  time.Time   `json:"available_at"`
		CreatedAt    time.Time   `json:"created_at"`
		UpdatedAt    time.Time   `json:"updated_at"`
	}

	Store interface {
		Create(ctx context.Context, job *jobs.Job) error
		Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
		List(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error)
	}

	// Notifier is told about new submissions so idle workers can claim
	// them without waiting to poll.
	Notifier interface {
		Wakeup()
	}

	Controller struct {
		store    Store
		notifier Notifier
		validate *validator.Validate
	}
)

func New(validate *validator.Validate, store Store, notifier Notifier) *Controller {
	return &Controller{store: store, notifier: notifier, validate: validate}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
}

// create validates the request body and queues a new job.
func (controller *Controller) create(ec echo.Context) error {
	var request CreateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}

	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid body: %s", err.Error()))
	}

	job := &jobs.Job{
		SourceURL:    request.SourceURL,
		SourceAuth:   util.NilIfEmpty(request.SourceAuth),
		Title:        request.Title,
		TitleSource:  request.TitleSource,
		StreamerID:   util.NilIfEmpty(request.StreamerID),
		StreamerName: util.NilIfEmpty(request.StreamerName),
		Priority:     request.Priority,
	}
	if err := controller.store.Create(ec.Request().Context(), job); err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to create job for %s: %v\n", request.SourceURL, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to queue job")
	}

	controllerLogger.Emit(logger.NEW, "Queued job %s (%q, priority %d)\n", job.ID, job.Title, job.Priority)
	if controller.notifier != nil {
		controller.notifier.Wakeup()
	}

	return ec.JSON(http.StatusCreated, NewDto(job))
}

// list returns jobs newest first, optionally filtered by the 'status' query param.
func (controller *Controller) list(ec echo.Context) error {
	filter := jobs.ListFilter{Limit: defaultListLimit}
	if status := ec.QueryParam("status"); status != "" {
		s := jobs.Status(status)
		switch s {
		case jobs.Queued, jobs.Processing, jobs.Done, jobs.Failed:
			filter.Status = &s
		default:
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Unknown job status '%s'", status))
		}
	}

	items, err := controller.store.List(ec.Request().Context(), filter)
	if err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to list jobs: %v\n", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(items, NewDto))
}

// get uses the 'id' path param from the context and retrieves the job from the
// underlying store.
func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Job ID is not a valid UUID")
	}

	job, err := controller.store.Get(ec.Request().Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	} else if err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to get job %s: %v\n", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	return ec.JSON(http.StatusOK, NewDto(job))
}

func NewDto(job *jobs.Job) *Dto {
	return &Dto{
		ID:           job.ID,
		SourceURL:    job.SourceURL,
		Status:       job.Status,
		Title:        job.Title,
		TitleSource:  job.TitleSource,
		StreamerID:   job.StreamerID,
		StreamerName: job.StreamerName,
		Priority:     job.Priority,
		ResultURL:    job.ResultURL,
		ThumbnailURL: job.ThumbnailURL,
		Error:        job.Error,
		Progress:     job.Progress,
		WorkerID:     job.WorkerID,
		LockedAt:     job.LockedAt,
		RetryCount:   job.RetryCount,
		AvailableAt:  job.AvailableAt,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

package api

import (
	"context"
	"fmt"
	"time"

	"github.com/clipvault/ingest/internal/api/ingests"
	"github.com/clipvault/ingest/internal/api/util"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/http/websocket"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/google/uuid"
)

const (
	TITLE_JOB_UPDATE     = "JOB_UPDATE"
	TITLE_JOB_PROGRESS   = "JOB_PROGRESS"
	TITLE_CATALOG_UPDATE = "CATALOG_UPDATE"

	COMMAND_JOB_DETAILS = "JOB_DETAILS"

	connectionStateTimeout = 5 * time.Second
)

type (
	JobUpdate struct {
		JobID uuid.UUID    `json:"job_id"`
		Job   *ingests.Dto `json:"job"`
	}

	CatalogUpdate struct {
		VideoID string `json:"video_id"`
	}

	// broadcaster forwards job and catalog events from the event bus to
	// every client connected to the activity websocket.
	broadcaster struct {
		socketHub *websocket.SocketHub
		jobStore  ingests.Store
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, jobStore ingests.Store, eventBus event.EventHandler) *broadcaster {
	b := &broadcaster{socketHub: socketHub, jobStore: jobStore}

	eventBus.RegisterHandlerFunction(event.JOB_UPDATE, b.handleJobEvent)
	eventBus.RegisterHandlerFunction(event.JOB_PROGRESS, b.handleJobEvent)
	eventBus.RegisterHandlerFunction(event.CATALOG_UPDATE, b.handleCatalogEvent)

	socketHub.WithConnectionCallback(b.connectionState)
	socketHub.BindCommand(COMMAND_JOB_DETAILS, b.jobDetails)

	return b
}

func (b *broadcaster) handleJobEvent(ev event.Event, payload event.Payload) {
	job, ok := payload.(jobs.Job)
	if !ok {
		return
	}

	title := TITLE_JOB_UPDATE
	if ev == event.JOB_PROGRESS {
		title = TITLE_JOB_PROGRESS
	}

	b.broadcast(title, JobUpdate{JobID: job.ID, Job: ingests.NewDto(&job)})
}

func (b *broadcaster) handleCatalogEvent(_ event.Event, payload event.Payload) {
	if id, ok := payload.(string); ok {
		b.broadcast(TITLE_CATALOG_UPDATE, CatalogUpdate{VideoID: id})
	}
}

// connectionState furnishes newly connected clients with the jobs currently
// being processed.
func (b *broadcaster) connectionState() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), connectionStateTimeout)
	defer cancel()

	processing := jobs.Processing
	active, err := b.jobStore.List(ctx, jobs.ListFilter{Status: &processing})
	if err != nil {
		log.Emit(logger.WARNING, "Failed to list active jobs for new websocket client: %v\n", err)
		return map[string]interface{}{"active_jobs": []*ingests.Dto{}}
	}

	return map[string]interface{}{"active_jobs": util.ApplyConversion(active, ingests.NewDto)}
}

func (b *broadcaster) jobDetails(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	rawID, err := message.StringArgument("id")
	if err != nil {
		return err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("job id '%s' is not a valid UUID", rawID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionStateTimeout)
	defer cancel()
	job, err := b.jobStore.Get(ctx, id)
	if err != nil {
		return err
	}

	hub.Send(message.FormReply("COMMAND_SUCCESS", map[string]interface{}{"payload": ingests.NewDto(job)}, websocket.Response))
	return nil
}

func (b *broadcaster) broadcast(title string, update any) {
	b.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}

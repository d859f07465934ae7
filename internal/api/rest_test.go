package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/api/ingests"
	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/event"
	"github.com/clipvault/ingest/internal/http/websocket"
	"github.com/clipvault/ingest/internal/jobs"
	"github.com/clipvault/ingest/pkg/logger"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func init() {
	logger.SetMinLoggingLevel(logger.WARNING.Level())
}

type (
	fakeCatalog struct{ doc *catalog.Document }

	countingNotifier struct{ wakeups atomic.Int32 }

	testGateway struct {
		*RestGateway
		store    *jobs.MemoryStore
		bus      event.EventCoordinator
		notifier *countingNotifier
	}
)

func (c *fakeCatalog) Load(context.Context) (*catalog.Document, error) { return c.doc, nil }

func (n *countingNotifier) Wakeup() { n.wakeups.Add(1) }

func newTestGateway(t *testing.T, doc *catalog.Document) *testGateway {
	store := jobs.NewMemoryStore()
	bus := event.New()
	notifier := &countingNotifier{}
	gateway := NewRestGateway(&RestConfig{HostAddr: "127.0.0.1:0"}, store, notifier, &fakeCatalog{doc: doc}, bus)

	return &testGateway{RestGateway: gateway, store: store, bus: bus, notifier: notifier}
}

func (g *testGateway) do(t *testing.T, method string, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, apiRoot+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func Test_Health(t *testing.T) {
	t.Parallel()
	rec := newTestGateway(t, nil).do(t, http.MethodGet, "/health/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_CreateJob_QueuesAndWakesWorkers(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	rec := g.do(t, http.MethodPost, "/jobs/", `{
		"source_url": "https://media.example.com/clip.mp4",
		"source_auth": "Bearer secret",
		"title": "Clip",
		"streamer_name": "Alice",
		"priority": 2
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret", "source auth must never be returned")

	var dto ingests.Dto
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, jobs.Queued, dto.Status)
	assert.Equal(t, 2, dto.Priority)
	assert.EqualValues(t, 1, g.notifier.wakeups.Load())

	stored, err := g.store.Get(ctx, dto.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SourceAuth)
	assert.Equal(t, "Bearer secret", *stored.SourceAuth)
	require.NotNil(t, stored.StreamerName)
	assert.Nil(t, stored.StreamerID)
}

func Test_CreateJob_RejectsInvalidBodies(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	tests := map[string]string{
		"missing source":    `{"title": "Clip", "streamer_name": "Alice"}`,
		"invalid source":    `{"source_url": "not a url", "title": "Clip", "streamer_name": "Alice"}`,
		"missing title":     `{"source_url": "https://media.example.com/a.mp4", "streamer_name": "Alice"}`,
		"missing streamer":  `{"source_url": "https://media.example.com/a.mp4", "title": "Clip"}`,
		"negative priority": `{"source_url": "https://media.example.com/a.mp4", "title": "Clip", "streamer_id": "s1", "priority": -1}`,
		"malformed json":    `{"source_url": `,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := g.do(t, http.MethodPost, "/jobs/", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	all, err := g.store.List(ctx, jobs.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.EqualValues(t, 0, g.notifier.wakeups.Load())
}

func Test_ListJobs_FiltersByStatus(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	for _, title := range []string{"a", "b"} {
		require.NoError(t, g.store.Create(ctx, &jobs.Job{SourceURL: "https://x/" + title, Title: title}))
	}
	claimed, err := g.store.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	var dtos []ingests.Dto
	rec := g.do(t, http.MethodGet, "/jobs/?status=processing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dtos))
	require.Len(t, dtos, 1)
	assert.Equal(t, claimed.ID, dtos[0].ID)

	rec = g.do(t, http.MethodGet, "/jobs/", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dtos))
	assert.Len(t, dtos, 2)

	assert.Equal(t, http.StatusBadRequest, g.do(t, http.MethodGet, "/jobs/?status=paused", "").Code)
}

func Test_GetJob(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	job := &jobs.Job{SourceURL: "https://x/a", Title: "a"}
	require.NoError(t, g.store.Create(ctx, job))

	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/jobs/"+job.ID.String()+"/", "").Code)
	assert.Equal(t, http.StatusNotFound, g.do(t, http.MethodGet, "/jobs/00000000-0000-0000-0000-000000000001/", "").Code)
	assert.Equal(t, http.StatusBadRequest, g.do(t, http.MethodGet, "/jobs/nope/", "").Code)
}

func Test_Catalog_FreshInstallServesEmptyDocument(t *testing.T) {
	t.Parallel()
	rec := newTestGateway(t, nil).do(t, http.MethodGet, "/catalog/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"streamers": [], "videos": []}`, rec.Body.String())
}

func Test_Catalog_StreamerVideosAndIntegrity(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := &catalog.Document{
		Streamers: []catalog.Streamer{{ID: "s1", Name: "Alice", VideoCount: 3}},
		Videos: []catalog.Video{
			{ID: "v1", StreamerID: "s1", Title: "old", CreatedAt: now},
			{ID: "v2", StreamerID: "s1", Title: "new", CreatedAt: now.Add(time.Hour)},
		},
	}
	g := newTestGateway(t, doc)

	var videos []catalog.Video
	rec := g.do(t, http.MethodGet, "/catalog/streamers/s1/videos/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &videos))
	require.Len(t, videos, 2)
	assert.Equal(t, "v2", videos[0].ID)

	assert.Equal(t, http.StatusNotFound, g.do(t, http.MethodGet, "/catalog/streamers/missing/videos/", "").Code)
	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/catalog/videos/v1/", "").Code)
	assert.Equal(t, http.StatusNotFound, g.do(t, http.MethodGet, "/catalog/videos/missing/", "").Code)

	var integrity struct {
		Healthy  bool              `json:"healthy"`
		Problems []catalog.Problem `json:"problems"`
	}
	rec = g.do(t, http.MethodGet, "/catalog/integrity/", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &integrity))
	assert.False(t, integrity.Healthy)
	require.Len(t, integrity.Problems, 1)
	assert.Equal(t, catalog.CountDrift, integrity.Problems[0].Kind)
}

// dialActivity starts the socket hub and connects a client to it, consuming
// the welcome message.
func dialActivity(t *testing.T, g *testGateway) (*gws.Conn, websocket.SocketMessage) {
	hubCtx, cancel := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		g.socket.Start(hubCtx)
	}()

	server := httptest.NewServer(g)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hubDone
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + apiRoot + "/activity/ws/"
	var conn *gws.Conn
	require.Eventually(t, func() bool {
		c, _, err := gws.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { conn.Close() })

	var welcome websocket.SocketMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))
	return conn, welcome
}

func Test_ActivitySocket_WelcomesWithActiveJobs(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	require.NoError(t, g.store.Create(ctx, &jobs.Job{SourceURL: "https://x/a", Title: "a"}))
	_, err := g.store.Claim(ctx, "worker-1")
	require.NoError(t, err)

	_, welcome := dialActivity(t, g)
	assert.Equal(t, "CONNECTION_ESTABLISHED", welcome.Title)
	assert.Equal(t, websocket.Welcome, welcome.Type)
	assert.Contains(t, welcome.Body, "client")
	active, ok := welcome.Body["active_jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, active, 1)
}

func Test_ActivitySocket_BroadcastsJobUpdates(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	job := &jobs.Job{SourceURL: "https://x/a", Title: "a"}
	require.NoError(t, g.store.Create(ctx, job))

	conn, _ := dialActivity(t, g)
	g.bus.Dispatch(event.JOB_UPDATE, *job)

	var update websocket.SocketMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, TITLE_JOB_UPDATE, update.Title)
	assert.Equal(t, websocket.Update, update.Type)
	args, ok := update.Body["arguments"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, job.ID.String(), args["job_id"])
}

func Test_ActivitySocket_JobDetailsCommand(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	job := &jobs.Job{SourceURL: "https://x/a", Title: "a"}
	require.NoError(t, g.store.Create(ctx, job))

	conn, _ := dialActivity(t, g)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"title":     COMMAND_JOB_DETAILS,
		"arguments": map[string]interface{}{"id": job.ID.String()},
		"id":        7,
		"type":      websocket.Command,
	}))

	var reply websocket.SocketMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "COMMAND_SUCCESS", reply.Title)
	assert.Equal(t, 7, reply.Id)
	assert.Equal(t, websocket.Response, reply.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"title":     "NOT_A_COMMAND",
		"arguments": map[string]interface{}{},
		"id":        8,
		"type":      websocket.Command,
	}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "COMMAND_FAILURE", reply.Title)
	assert.Equal(t, 8, reply.Id)
}

package catalog_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/objectstore/storetest"
	"github.com/clipvault/ingest/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func init() {
	logger.SetMinLoggingLevel(logger.WARNING.Level())
}

// steppingClock returns a clock which advances by one second on every call,
// so that backup names are always distinct.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func testConfig() catalog.Config {
	return catalog.Config{
		Path:             "db.json",
		BackupPrefix:     "backups/",
		BackupRetention:  30,
		BackupAttempts:   3,
		BackupRetryDelay: 10 * time.Millisecond,
		BackupTimeout:    10 * time.Second,
	}
}

// startSynchronizer creates a synchronizer backed by the fake store and runs
// its writer until the test completes.
func startSynchronizer(t *testing.T, server *storetest.Server, config catalog.Config, opts ...catalog.Option) *catalog.Synchronizer {
	opts = append([]catalog.Option{catalog.WithClock(steppingClock())}, opts...)
	syncer := catalog.New(config, server.NewClient(), opts...)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, syncer.Run(runCtx))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return syncer
}

func seedDocument(t *testing.T, server *storetest.Server, doc string) {
	server.Put("db.json", []byte(doc))
}

func sha(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestLoad_MissingBlobIsFreshInstall(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	syncer := catalog.New(testConfig(), server.NewClient())

	doc, err := syncer.Load(ctx)
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLoad_IsCacheBusted(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[],"videos":[]}`)
	syncer := catalog.New(testConfig(), server.NewClient())

	for range 2 {
		_, err := syncer.Load(ctx)
		require.NoError(t, err)
	}

	queries := server.DownloadQueries()
	require.Len(t, queries, 2)
	assert.NotEqual(t, queries[0], queries[1])
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers": [`)

	_, err := catalog.New(testConfig(), server.NewClient()).Load(ctx)
	assert.Error(t, err)
}

func TestAddVideo_CreatesStreamerOnFreshInstall(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	syncer := startSynchronizer(t, server, testConfig())

	video, err := syncer.AddVideo(ctx, catalog.Video{Title: "First clip", VideoURL: "https://cdn/videos/1.mp4"}, "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, video.ID)
	assert.NotEmpty(t, video.StreamerID)

	doc, err := syncer.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Streamers, 1)
	assert.Equal(t, "Alice", doc.Streamers[0].Name)
	assert.Equal(t, 1, doc.Streamers[0].VideoCount)
	assert.Equal(t, video.StreamerID, doc.Streamers[0].ID)

	again, err := syncer.AddVideo(ctx, catalog.Video{Title: "Second clip"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, video.StreamerID, again.StreamerID, "streamers are matched by name case-insensitively")

	_, err = syncer.AddVideo(ctx, catalog.Video{Title: "Orphan"}, "")
	assert.ErrorIs(t, err, catalog.ErrStreamerIdentifier)
}

// N concurrent atomic adds must produce exactly N videos and increment the
// streamer's count by exactly N.
func TestAddVideo_ConcurrentAppendsAreAtomic(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[{"id":"s1","name":"Streamer","videoCount":1}],"videos":[{"id":"v0","streamerId":"s1","title":"existing"}]}`)
	syncer := startSynchronizer(t, server, testConfig())

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := syncer.AddVideo(ctx, catalog.Video{StreamerID: "s1", Title: fmt.Sprintf("clip %d", i)}, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := syncer.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Videos, n+1)
	assert.Equal(t, n+1, doc.Streamer("s1").VideoCount)
	assert.Empty(t, catalog.Validate(doc))
	assert.Zero(t, server.ReusedUploads(), "every write must use a fresh upload credential")
}

// Two synchronizers sharing a store and a lock behave like two processes:
// the lock serialises their read-modify-write cycles so no add is lost.
func TestAddVideo_LockerSerialisesWritersAcrossInstances(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	locker := &mutexLocker{}
	first := startSynchronizer(t, server, testConfig(), catalog.WithLocker(locker))
	second := startSynchronizer(t, server, testConfig(), catalog.WithLocker(locker))

	const perWriter = 10
	var wg sync.WaitGroup
	for i := range perWriter {
		for _, writer := range []*catalog.Synchronizer{first, second} {
			wg.Add(1)
			go func(w *catalog.Synchronizer, i int) {
				defer wg.Done()
				_, err := w.AddVideo(ctx, catalog.Video{StreamerID: "s1", Title: fmt.Sprint(i)}, "Shared")
				assert.NoError(t, err)
			}(writer, i)
		}
	}
	wg.Wait()

	doc, err := first.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Videos, 2*perWriter)
	assert.Equal(t, 2*perWriter, doc.Streamer("s1").VideoCount)
	assert.Equal(t, 2*perWriter, locker.acquisitions())
}

// SaveFull with a stale copy is last-writer-wins: the first writer's change
// is silently lost. This documents the behaviour of the bulk-edit path.
func TestSaveFull_StaleCopyLosesConcurrentChanges(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[{"id":"s1","name":"S","videoCount":0}],"videos":[]}`)
	syncer := catalog.New(testConfig(), server.NewClient())

	p1, err := syncer.Load(ctx)
	require.NoError(t, err)
	p2, err := syncer.Load(ctx)
	require.NoError(t, err)

	p1.Videos = append(p1.Videos, catalog.Video{ID: "from-p1", StreamerID: "s1"})
	p1.Streamer("s1").VideoCount++
	require.NoError(t, syncer.SaveFull(ctx, p1, false))

	p2.Videos = append(p2.Videos, catalog.Video{ID: "from-p2", StreamerID: "s1"})
	p2.Streamer("s1").VideoCount++
	require.NoError(t, syncer.SaveFull(ctx, p2, false))

	final, err := syncer.Load(ctx)
	require.NoError(t, err)
	require.Len(t, final.Videos, 1)
	assert.Equal(t, "from-p2", final.Videos[0].ID, "last writer wins")
	assert.Nil(t, final.Video("from-p1"), "the first writer's change is lost")
}

func TestSaveFullIfUnchanged_RejectsStaleCopy(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[{"id":"s1","name":"S","videoCount":0}],"videos":[]}`)
	syncer := startSynchronizer(t, server, testConfig())

	p1, err := syncer.Load(ctx)
	require.NoError(t, err)
	p2, err := syncer.Load(ctx)
	require.NoError(t, err)

	p1.Videos = append(p1.Videos, catalog.Video{ID: "from-p1", StreamerID: "s1"})
	p1.Streamer("s1").VideoCount++
	require.NoError(t, syncer.SaveFullIfUnchanged(ctx, p1, false))

	p2.Videos = append(p2.Videos, catalog.Video{ID: "from-p2", StreamerID: "s1"})
	assert.ErrorIs(t, syncer.SaveFullIfUnchanged(ctx, p2, false), catalog.ErrStaleDocument)

	final, err := syncer.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, final.Video("from-p1"))
	assert.Nil(t, final.Video("from-p2"))

	// The saved copy carries the new revision, so it can be saved again.
	p1.Videos[0].Title = "renamed"
	assert.NoError(t, syncer.SaveFullIfUnchanged(ctx, p1, false))
}

func TestSaveFullIfUnchanged_FreshInstall(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	syncer := startSynchronizer(t, server, testConfig())

	doc := &catalog.Document{Streamers: []catalog.Streamer{{ID: "s1", Name: "S"}}}
	require.NoError(t, syncer.SaveFullIfUnchanged(ctx, doc, false))

	_, stored := server.Get("db.json")
	assert.True(t, stored)
}

// Each save with backup leaves min(previous+1, cap) backups, the newest of
// which holds exactly the bytes of the main document.
func TestSaveFull_BackupRetention(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	config := testConfig()
	config.BackupRetention = 3
	syncer := catalog.New(config, server.NewClient(), catalog.WithClock(steppingClock()))

	doc := &catalog.Document{Streamers: []catalog.Streamer{{ID: "s1", Name: "S"}}}
	for i := 1; i <= 5; i++ {
		doc.Videos = append(doc.Videos, catalog.Video{ID: fmt.Sprint(i), StreamerID: "s1"})
		doc.Streamers[0].VideoCount = i
		require.NoError(t, syncer.SaveFull(ctx, doc, true))
		syncer.Wait()

		backups := server.Names("backups/")
		assert.Len(t, backups, min(i, config.BackupRetention))

		newest := backups[len(backups)-1]
		assert.True(t, strings.HasSuffix(newest, fmt.Sprintf("_v%d.json", i)), "unexpected backup name %s", newest)

		main, _ := server.Get("db.json")
		backup, _ := server.Get(newest)
		assert.Equal(t, sha(main), sha(backup))
	}
}

func TestSaveFull_BackupNameFormat(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	fixed := time.Date(2024, 3, 1, 12, 30, 15, 123000000, time.UTC)
	syncer := catalog.New(testConfig(), server.NewClient(), catalog.WithClock(func() time.Time { return fixed }))

	require.NoError(t, syncer.SaveFull(ctx, &catalog.Document{}, true))
	syncer.Wait()

	assert.Equal(t, []string{"backups/db_2024-03-01T12-30-15-123000000Z_v0.json"}, server.Names("backups/"))
}

// A failing backup must not fail the primary save.
func TestSaveFull_BackupFailureIsIsolated(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	server.FailUploadsWithPrefix("backups/")
	syncer := catalog.New(testConfig(), server.NewClient())

	doc := &catalog.Document{Streamers: []catalog.Streamer{{ID: "s1", Name: "S"}}}
	require.NoError(t, syncer.SaveFull(ctx, doc, true))
	syncer.Wait()

	_, stored := server.Get("db.json")
	assert.True(t, stored)
	assert.Empty(t, server.Names("backups/"))
}

func TestSaveFull_StorageFailureLeavesPriorDocument(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[],"videos":[]}`)
	server.FailUploads(1)
	syncer := startSynchronizer(t, server, testConfig())

	_, err := syncer.AddVideo(ctx, catalog.Video{Title: "lost"}, "S")
	assert.Error(t, err)

	data, _ := server.Get("db.json")
	assert.JSONEq(t, `{"streamers":[],"videos":[]}`, string(data))
}

func TestMutate_RejectsIntroducedIntegrityProblems(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[{"id":"s1","name":"S","videoCount":0}],"videos":[]}`)
	syncer := startSynchronizer(t, server, testConfig())

	_, err := syncer.Mutate(ctx, func(doc *catalog.Document) error {
		doc.Videos = append(doc.Videos, catalog.Video{ID: "v1", StreamerID: "missing"})
		return nil
	})

	var integrityErr *catalog.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.Len(t, integrityErr.Problems, 1)
	assert.Equal(t, catalog.DanglingStreamer, integrityErr.Problems[0].Kind)

	doc, err := syncer.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Videos)
}

// Pre-existing drift must not block unrelated mutations.
func TestMutate_ToleratesPreexistingDrift(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{"streamers":[{"id":"s1","name":"S","videoCount":7}],"videos":[]}`)
	syncer := startSynchronizer(t, server, testConfig())

	_, err := syncer.AddVideo(ctx, catalog.Video{StreamerID: "s1"}, "")
	require.NoError(t, err)

	doc, err := syncer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, doc.Streamer("s1").VideoCount)
}

func TestRemoveAndUpdateVideo(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	seedDocument(t, server, `{
		"streamers":[{"id":"s1","name":"One","videoCount":2},{"id":"s2","name":"Two","videoCount":0}],
		"videos":[{"id":"v1","streamerId":"s1","title":"a"},{"id":"v2","streamerId":"s1","title":"b"}]
	}`)
	syncer := startSynchronizer(t, server, testConfig())

	updated, err := syncer.UpdateVideo(ctx, "v2", func(v *catalog.Video) error {
		v.StreamerID = "s2"
		v.VideoURL = "https://cdn/videos/new.mp4"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/videos/new.mp4", updated.VideoURL)

	require.NoError(t, syncer.RemoveVideo(ctx, "v1"))
	assert.ErrorIs(t, syncer.RemoveVideo(ctx, "v1"), catalog.ErrVideoNotFound)

	_, err = syncer.UpdateVideo(ctx, "nope", func(*catalog.Video) error { return nil })
	assert.ErrorIs(t, err, catalog.ErrVideoNotFound)

	doc, err := syncer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Streamer("s1").VideoCount)
	assert.Equal(t, 1, doc.Streamer("s2").VideoCount)
	assert.Empty(t, catalog.Validate(doc))
}

func TestMutate_WriterNotRunning(t *testing.T) {
	t.Parallel()
	server := storetest.NewServer(t)
	syncer := catalog.New(testConfig(), server.NewClient())

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := syncer.Mutate(timeoutCtx, func(*catalog.Document) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type mutexLocker struct {
	mu    sync.Mutex
	count sync.Mutex
	n     int
}

func (l *mutexLocker) Lock(context.Context) (func(), error) {
	l.mu.Lock()

	l.count.Lock()
	l.n++
	l.count.Unlock()

	return l.mu.Unlock, nil
}

func (l *mutexLocker) acquisitions() int {
	l.count.Lock()
	defer l.count.Unlock()
	return l.n
}

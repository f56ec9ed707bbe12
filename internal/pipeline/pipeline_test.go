package pipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/pipeline"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func message(t *testing.T, subject event.Subject, payload any) event.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return event.Message{Subject: subject, Data: data}
}

func Test_DownloadWorker_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	adapter := newScriptedAdapter(t, successfulTool("clip.mp4", "video-bytes"))
	publisher := &recordingPublisher{}
	objects := newMemoryObjects()
	w := pipeline.NewDownloadWorker(publisher, adapter, objects, false)

	id := uuid.New()
	request := download.Request{ID: id, State: download.StateInitiated, SourceLink: "https://example.com/v"}
	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectRequested, request)))

	assert.Equal(t, []event.Subject{
		event.SubjectProgressUpdate,
		event.SubjectFilenameAvailable,
		event.SubjectProgressUpdate,
		event.SubjectProgressUpdate,
		event.SubjectFetchDone,
	}, publisher.subjects())

	assert.Equal(t, event.ProgressUpdate{ID: id, Percentage: 0}, publisher.events[0].payload)
	assert.Equal(t, event.FilenameAvailable{ID: id, Filename: "clip.mp4"}, publisher.events[1].payload)
	assert.Equal(t, event.ProgressUpdate{ID: id, Percentage: 25}, publisher.events[2].payload)
	assert.Equal(t, event.ProgressUpdate{ID: id, Percentage: 100}, publisher.events[3].payload)
	assert.Equal(t, event.FetchDone{ID: id, Filename: "clip.mp4"}, publisher.events[4].payload)

	data, ok, err := objects.Get(context.Background(), storage.ObjectKey(id, "clip.mp4"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "video-bytes", string(data))
	assert.DirExists(t, adapter.WorkDir(id), "working directory is kept unless cleanup is enabled")
}

func Test_DownloadWorker_CleanupOnCompletion(t *testing.T) {
	t.Parallel()
	adapter := newScriptedAdapter(t, successfulTool("clip.mp4", "x"))
	w := pipeline.NewDownloadWorker(&recordingPublisher{}, adapter, newMemoryObjects(), true)

	id := uuid.New()
	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectRequested, download.Request{ID: id, SourceLink: "https://example.com"})))
	assert.NoDirExists(t, adapter.WorkDir(id))
}

func Test_DownloadWorker_ToolFailurePublishesFetchFailed(t *testing.T) {
	t.Parallel()
	adapter := newScriptedAdapter(t, failingTool)
	publisher := &recordingPublisher{}
	objects := newMemoryObjects()
	w := pipeline.NewDownloadWorker(publisher, adapter, objects, false)

	id := uuid.New()
	err := w.Handle(context.Background(), message(t, event.SubjectRequested, download.Request{ID: id, SourceLink: "https://example.com"}))
	require.Error(t, err)

	assert.Equal(t, []event.Subject{
		event.SubjectProgressUpdate,
		event.SubjectProgressUpdate,
		event.SubjectFetchFailed,
	}, publisher.subjects())

	failed, ok := publisher.events[2].payload.(event.FetchFailed)
	require.True(t, ok)
	assert.Equal(t, id, failed.ID)
	assert.Contains(t, failed.Reason, "video unavailable")
	assert.Empty(t, objects.objects)
}

func Test_DownloadWorker_UploadFailurePublishesFetchFailed(t *testing.T) {
	t.Parallel()
	adapter := newScriptedAdapter(t, successfulTool("clip.mp4", "x"))
	publisher := &recordingPublisher{}
	objects := newMemoryObjects()
	objects.failPut = true
	w := pipeline.NewDownloadWorker(publisher, adapter, objects, false)

	err := w.Handle(context.Background(), message(t, event.SubjectRequested, download.Request{ID: uuid.New(), SourceLink: "https://example.com"}))
	assert.ErrorIs(t, err, errExpected)

	subjects := publisher.subjects()
	require.NotEmpty(t, subjects)
	assert.Equal(t, event.SubjectFetchFailed, subjects[len(subjects)-1])
	assert.NotContains(t, subjects, event.SubjectFetchDone)
}

func Test_DownloadWorker_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	publisher := &recordingPublisher{}
	w := pipeline.NewDownloadWorker(publisher, newScriptedAdapter(t, "exit 0\n"), newMemoryObjects(), false)

	assert.Error(t, w.Handle(context.Background(), event.Message{Subject: event.SubjectRequested, Data: []byte("not json")}))
	assert.Error(t, w.Handle(context.Background(), message(t, event.SubjectRequested, download.Request{SourceLink: ""})))
	assert.ErrorIs(t, w.Handle(context.Background(), message(t, event.SubjectRequested, download.Request{SourceLink: "https://example.com"})), download.ErrInvariant)
	assert.Empty(t, publisher.subjects())
}

func Test_StatusWorker_PromotesAndIgnoresTerminal(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	w := pipeline.NewStatusWorker(store)

	active, finished := uuid.New(), uuid.New()
	store.put(download.Request{ID: active, State: download.StateInitiated, SourceLink: "a"})
	store.put(download.Request{ID: finished, State: download.StateDone, SourceLink: "b", Percentage: 100})

	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectProgressUpdate, event.ProgressUpdate{ID: active, Percentage: 40})))
	assert.Equal(t, download.StateFetching, store.snapshot(active).State)
	assert.Equal(t, 40, store.snapshot(active).Percentage)

	// A new stream restarts the tool's count, and the reported value is kept as is
	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectProgressUpdate, event.ProgressUpdate{ID: active, Percentage: 2})))
	assert.Equal(t, 2, store.snapshot(active).Percentage)

	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectProgressUpdate, event.ProgressUpdate{ID: finished, Percentage: 3})))
	assert.Equal(t, download.StateDone, store.snapshot(finished).State)
	assert.Equal(t, 100, store.snapshot(finished).Percentage)

	// Unknown requests are ignored rather than failing
	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectProgressUpdate, event.ProgressUpdate{ID: uuid.New(), Percentage: 3})))
}

func Test_FilenameWorker_IgnoresTerminal(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	w := pipeline.NewFilenameWorker(store)

	active, failed := uuid.New(), uuid.New()
	store.put(download.Request{ID: active, State: download.StateFetching, SourceLink: "a"})
	store.put(download.Request{ID: failed, State: download.StateError, SourceLink: "b"})

	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectFilenameAvailable, event.FilenameAvailable{ID: active, Filename: "a.mp4"})))
	require.NoError(t, w.Handle(context.Background(), message(t, event.SubjectFilenameAvailable, event.FilenameAvailable{ID: failed, Filename: "b.mp4"})))

	require.NotNil(t, store.snapshot(active).ArtifactName)
	assert.Equal(t, "a.mp4", *store.snapshot(active).ArtifactName)
	assert.Nil(t, store.snapshot(failed).ArtifactName)
}

func Test_DoneWorker_IsIdempotentAndNeverDemotesDone(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	w := pipeline.NewDoneWorker(store)

	id := uuid.New()
	store.put(download.Request{ID: id, State: download.StateFetching, SourceLink: "a", Percentage: 80})

	doneMsg := message(t, event.SubjectFetchDone, event.FetchDone{ID: id, Filename: "final.mp4"})
	require.NoError(t, w.HandleDone(context.Background(), doneMsg))
	require.NoError(t, w.HandleDone(context.Background(), doneMsg))

	require.NoError(t, w.HandleFailed(context.Background(), message(t, event.SubjectFetchFailed, event.FetchFailed{ID: id, Reason: "late"})))

	request := store.snapshot(id)
	assert.Equal(t, download.StateDone, request.State)
	assert.Equal(t, 100, request.Percentage)
	require.NotNil(t, request.ArtifactName)
	assert.Equal(t, "final.mp4", *request.ArtifactName)

	assert.NoError(t, w.HandleDone(context.Background(), message(t, event.SubjectFetchDone, event.FetchDone{ID: uuid.New(), Filename: "x"})))
}

func Test_DoneWorker_CompletionAfterFailureKeepsError(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	w := pipeline.NewDoneWorker(store)

	id := uuid.New()
	store.put(download.Request{ID: id, State: download.StateFetching, SourceLink: "a", Percentage: 30})

	// A duplicated request can time out in one run and succeed in another
	require.NoError(t, w.HandleFailed(context.Background(), message(t, event.SubjectFetchFailed, event.FetchFailed{ID: id, Reason: "timed out"})))
	require.NoError(t, w.HandleDone(context.Background(), message(t, event.SubjectFetchDone, event.FetchDone{ID: id, Filename: "late.mp4"})))

	request := store.snapshot(id)
	assert.Equal(t, download.StateError, request.State)
	assert.Equal(t, 30, request.Percentage)
	assert.Nil(t, request.ArtifactName)
}

func Test_DoneWorker_FailureMarksError(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	w := pipeline.NewDoneWorker(store)

	id := uuid.New()
	store.put(download.Request{ID: id, State: download.StateInitiated, SourceLink: "a"})
	require.NoError(t, w.HandleFailed(context.Background(), message(t, event.SubjectFetchFailed, event.FetchFailed{ID: id, Reason: "boom"})))
	assert.Equal(t, download.StateError, store.snapshot(id).State)
}

type pipelineFixture struct {
	bus     event.Bus
	store   *memoryStore
	objects *memoryObjects
	queue   *download.Queue
}

// startPipeline runs a full pipeline over an in-process bus, and waits until
// every worker has subscribed before returning.
func startPipeline(t *testing.T, toolBody string) *pipelineFixture {
	t.Helper()
	bus := event.NewLocalBus()
	store := newMemoryStore()
	objects := newMemoryObjects()
	adapter := newScriptedAdapter(t, toolBody)

	config := pipeline.Config{DownloadWorkers: 2, StatusWorkers: 2, FilenameWorkers: 1, DoneWorkers: 1, RestartDelay: 10 * time.Millisecond}
	p := pipeline.New(config, bus, adapter, objects, store, false)

	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, p.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = bus.Close()
	})

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(event.SubjectRequested) == 2 &&
			bus.SubscriberCount(event.SubjectProgressUpdate) == 2 &&
			bus.SubscriberCount(event.SubjectFilenameAvailable) == 1 &&
			bus.SubscriberCount(event.SubjectFetchDone) == 1 &&
			bus.SubscriberCount(event.SubjectFetchFailed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	queue := download.NewQueue(download.Config{}, store, objects, bus, adapter)
	return &pipelineFixture{bus: bus, store: store, objects: objects, queue: queue}
}

func Test_Pipeline_RequestReachesDone(t *testing.T) {
	t.Parallel()
	f := startPipeline(t, successfulTool("song.webm", "audio"))

	id, err := f.queue.Add(context.Background(), "https://example.com/watch?v=1", "user-7")
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		request := f.store.snapshot(id)
		if !assert.NotNil(c, request) {
			return
		}
		assert.Equal(c, download.StateDone, request.State)
	}, 5*time.Second, 10*time.Millisecond)

	request := f.store.snapshot(id)
	assert.Equal(t, 100, request.Percentage)
	require.NotNil(t, request.ArtifactName)
	assert.Equal(t, "song.webm", *request.ArtifactName)

	artifact, err := f.queue.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "song.webm", artifact.Name)
	assert.Equal(t, "audio", string(artifact.Data))

	requests, err := f.queue.ListByRequester(context.Background(), "user-7")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, id, requests[0].ID)
}

func Test_Pipeline_ToolFailureReachesError(t *testing.T) {
	t.Parallel()
	f := startPipeline(t, failingTool)

	id, err := f.queue.Add(context.Background(), "https://example.com/gone", "")
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, download.StateError, f.store.snapshot(id).State)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.queue.GetArtifact(context.Background(), id)
	assert.ErrorIs(t, err, download.ErrNotReady)
}

func Test_Pipeline_PanickingHandlerDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	f := startPipeline(t, successfulTool("x.mp4", "x"))

	poisoned, healthy := uuid.New(), uuid.New()
	f.store.put(download.Request{ID: poisoned, State: download.StateInitiated, SourceLink: "a"})
	f.store.put(download.Request{ID: healthy, State: download.StateInitiated, SourceLink: "b"})
	f.store.Lock()
	f.store.panicOn = poisoned
	f.store.Unlock()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.bus.Publish(ctx, event.SubjectProgressUpdate, event.ProgressUpdate{ID: poisoned, Percentage: 10}))
	}
	require.NoError(t, f.bus.Publish(ctx, event.SubjectProgressUpdate, event.ProgressUpdate{ID: healthy, Percentage: 55}))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		request := f.store.snapshot(healthy)
		assert.Equal(c, download.StateFetching, request.State)
		assert.Equal(c, 55, request.Percentage)
	}, 2*time.Second, 10*time.Millisecond)
}

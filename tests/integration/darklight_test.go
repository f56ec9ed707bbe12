package integration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal"
	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/internal/pipeline"
	"github.com/darklight-media/darklight/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successfulTool = `
echo "[download] Destination: integration.mp4"
echo "[download]  50.0% of 1.00KiB"
printf 'integration-bytes' > integration.mp4
echo "[download] 100% of 1.00KiB in 00:00"
`

const failingTool = `
echo "ERROR: unsupported URL" >&2
exit 1
`

// spawnDarklight connects a Darklight instance to its own database, bucket and
// the shared NATS server, and runs it until the test completes.
func spawnDarklight(t *testing.T, toolBody string) *internal.Darklight {
	config := internal.DarklightConfig{
		Database:      helpers.RequireDatabase(t),
		Bus:           helpers.RequireNats(t),
		ObjectStorage: helpers.RequireObjectStorage(t),
		Fetch: fetch.Config{
			BinaryPath:  helpers.ScriptedTool(t, toolBody),
			StoragePath: t.TempDir(),
			TitleLength: 90,
			Timeout:     time.Minute,
		},
		Queue:       download.Config{SweepInterval: time.Hour, StaleAfter: time.Hour},
		Concurrency: pipeline.Config{DownloadWorkers: 1, StatusWorkers: 1, FilenameWorkers: 1, DoneWorkers: 1, RestartDelay: 100 * time.Millisecond},
		Metrics:     metrics.Config{Enabled: false, Path: "/metrics"},
		LogLevel:    "debug",
	}
	require.NoError(t, config.Validate())

	dl := internal.New(config)
	require.NoError(t, dl.Connect(ctx))

	runCtx, cancel := context.WithCancel(ctx)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, dl.Run(runCtx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// Give the workers a moment to register their subscriptions with NATS
	time.Sleep(500 * time.Millisecond)
	return dl
}

func TestDarklight_RequestIsFetchedAndStored(t *testing.T) {
	dl := spawnDarklight(t, successfulTool)
	queue := dl.Queue()

	id, err := queue.Add(ctx, "https://example.com/watch?v=integration", "integration-user")
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		request, err := queue.Get(ctx, id)
		if assert.NoError(c, err) && assert.NotNil(c, request) {
			assert.Equal(c, download.StateDone, request.State)
		}
	}, 20*time.Second, 100*time.Millisecond)

	request, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, request.Percentage)

	artifact, err := queue.GetArtifact(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "integration.mp4", artifact.Name)
	assert.Equal(t, "integration-bytes", string(artifact.Data))

	requests, err := queue.ListByRequester(ctx, "integration-user")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, id, requests[0].ID)
}

func TestDarklight_FailedFetchIsReported(t *testing.T) {
	dl := spawnDarklight(t, failingTool)
	queue := dl.Queue()

	id, err := queue.Add(ctx, "https://example.com/unsupported", "")
	require.NoError(t, err)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		request, err := queue.Get(ctx, id)
		if assert.NoError(c, err) && assert.NotNil(c, request) {
			assert.Equal(c, download.StateError, request.State)
		}
	}, 20*time.Second, 100*time.Millisecond)

	_, err = queue.GetArtifact(ctx, id)
	assert.ErrorIs(t, err, download.ErrNotReady)
}

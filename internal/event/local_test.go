package event_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan event.Message, mu *sync.Mutex, into *[]event.Message) {
	for msg := range ch {
		mu.Lock()
		*into = append(*into, msg)
		mu.Unlock()
	}
}

func Test_LocalBus_GroupDeliversToExactlyOneMember(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mu := &sync.Mutex{}
	received := make([][]event.Message, 3)
	for i := range received {
		stream, err := bus.Subscribe(ctx, event.SubjectProgressUpdate, event.GroupStatusWorkers)
		require.NoError(t, err)
		go collect(stream, mu, &received[i])
	}

	const total = 30
	for i := 0; i < total; i++ {
		require.NoError(t, bus.Publish(ctx, event.SubjectProgressUpdate, event.ProgressUpdate{ID: uuid.New(), Percentage: i}))
	}

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		mu.Lock()
		defer mu.Unlock()
		sum := 0
		for _, r := range received {
			sum += len(r)
		}
		assert.Equal(c, total, sum)
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[int]bool)
	for i, r := range received {
		assert.NotEmptyf(t, r, "member %d of the group received nothing", i)
		for _, msg := range r {
			update, err := event.Decode[event.ProgressUpdate](msg)
			require.NoError(t, err)
			assert.Falsef(t, seen[update.Percentage], "message %d delivered more than once", update.Percentage)
			seen[update.Percentage] = true
		}
	}
}

func Test_LocalBus_FanOutAcrossGroups(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	groupA, err := bus.Subscribe(ctx, event.SubjectFetchDone, "a")
	require.NoError(t, err)
	groupB, err := bus.Subscribe(ctx, event.SubjectFetchDone, "b")
	require.NoError(t, err)
	ungrouped, err := bus.Subscribe(ctx, event.SubjectFetchDone, "")
	require.NoError(t, err)

	payload := event.FetchDone{ID: uuid.New(), Filename: "video.mp4"}
	require.NoError(t, bus.Publish(ctx, event.SubjectFetchDone, payload))

	for _, stream := range []<-chan event.Message{groupA, groupB, ungrouped} {
		select {
		case msg := <-stream:
			decoded, err := event.Decode[event.FetchDone](msg)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
		case <-time.After(time.Second):
			t.Fatal("expected every group to receive the message")
		}
	}
}

func Test_LocalBus_SubjectsAreIsolated(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Subscribe(ctx, event.SubjectFetchFailed, event.GroupDoneWorkers)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, event.SubjectFetchDone, event.FetchDone{ID: uuid.New(), Filename: "x"}))

	select {
	case msg := <-stream:
		t.Fatalf("unexpected delivery of %s message", msg.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_LocalBus_StreamClosesOnCancel(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := bus.Subscribe(ctx, event.SubjectRequested, event.GroupDownloadWorkers)
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Publishing with no subscribers left is not an error
	assert.NoError(t, bus.Publish(context.Background(), event.SubjectRequested, map[string]string{"k": "v"}))
}

func Test_LocalBus_ClosedBusRejectsPublish(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), event.SubjectRequested, struct{}{})
	assert.ErrorIs(t, err, event.ErrBus)

	_, err = bus.Subscribe(context.Background(), event.SubjectRequested, "")
	assert.ErrorIs(t, err, event.ErrBus)
}

func Test_Publish_UnencodablePayloadIsBusError(t *testing.T) {
	t.Parallel()
	bus := event.NewLocalBus()
	defer bus.Close()

	err := bus.Publish(context.Background(), event.SubjectRequested, make(chan int))
	assert.ErrorIs(t, err, event.ErrBus)
}

func Test_Decode_RejectsInvalidPayloads(t *testing.T) {
	t.Parallel()
	valid, err := json.Marshal(event.ProgressUpdate{ID: uuid.New(), Percentage: 42})
	require.NoError(t, err)

	tests := []struct {
		summary string
		data    []byte
		wantErr bool
	}{
		{"valid payload", valid, false},
		{"malformed json", []byte(`{"id":`), true},
		{"missing id", []byte(`{"percentage": 10}`), true},
		{"percentage above 100", []byte(`{"id":"` + uuid.NewString() + `","percentage":101}`), true},
		{"negative percentage", []byte(`{"id":"` + uuid.NewString() + `","percentage":-1}`), true},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			_, err := event.Decode[event.ProgressUpdate](event.Message{Subject: event.SubjectProgressUpdate, Data: tt.data})
			if tt.wantErr {
				assert.ErrorIs(t, err, event.ErrBus)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_New_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := event.New(event.Config{Driver: "carrier-pigeon"})
	assert.ErrorIs(t, err, event.ErrBus)

	bus, err := event.New(event.Config{Driver: event.DriverLocal})
	require.NoError(t, err)
	assert.NoError(t, bus.Close())
}

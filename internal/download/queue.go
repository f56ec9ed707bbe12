package download

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/darklight-media/darklight/pkg/sync"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	log      = logger.Get("Queue")
	validate = validator.New()
)

type (
	Config struct {
		SweepInterval time.Duration `yaml:"sweep_interval" env:"QUEUE_SWEEP_INTERVAL" env-default:"30s" validate:"gt=0"`
		StaleAfter    time.Duration `yaml:"stale_after" env:"QUEUE_STALE_AFTER" env-default:"5m" validate:"gt=0"`
	}

	RequestStore interface {
		CreateRequest(ctx context.Context, request *Request) (uuid.UUID, error)
		GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
		ListRequestsByRequester(ctx context.Context, requesterID string) ([]*Request, error)
	}

	ObjectGetter interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
	}

	// Workspace owns the per-request working directories on disk.
	Workspace interface {
		RemoveWorkDir(id uuid.UUID) error
		WorkDirs() (map[uuid.UUID]time.Time, error)
	}

	// Queue is the entry point for clients: it creates requests and hands them
	// to the pipeline, answers queries about them, and periodically removes the
	// working directories of requests which have gone stale.
	//
	// The staleness index is a cache of creation times, rebuilt from disk on
	// startup. The request store remains authoritative.
	Queue struct {
		config    Config
		store     RequestStore
		objects   ObjectGetter
		publisher event.Publisher
		workspace Workspace
		index     sync.TypedSyncMap[uuid.UUID, time.Time]
		clock     func() time.Time
	}
)

func NewQueue(config Config, store RequestStore, objects ObjectGetter, publisher event.Publisher, workspace Workspace) *Queue {
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	return &Queue{
		config:    config,
		store:     store,
		objects:   objects,
		publisher: publisher,
		workspace: workspace,
		clock:     time.Now,
	}
}

// WithClock replaces the clock used to timestamp new requests and
// to decide staleness.
func (queue *Queue) WithClock(clock func() time.Time) *Queue {
	queue.clock = clock
	return queue
}

// Add persists a new request for sourceLink and publishes it to the pipeline. The
// requesterID is optional and may be empty. The ID assigned by the store is returned.
//
// If the request is persisted but cannot be published, the error returned wraps
// event.ErrBus and the request is left in the Initiated state.
func (queue *Queue) Add(ctx context.Context, sourceLink string, requesterID string) (uuid.UUID, error) {
	request := &Request{
		State:      StateInitiated,
		SourceLink: strings.TrimSpace(sourceLink),
		CreatedAt:  queue.clock().UTC(),
		Percentage: 0,
	}
	if requesterID != "" {
		request.RequesterID = &requesterID
	}

	if err := validate.Struct(request); err != nil {
		metrics.RequestsAdded.WithLabelValues("invalid").Inc()
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id, err := queue.store.CreateRequest(ctx, request)
	if err != nil {
		metrics.RequestsAdded.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if id == uuid.Nil {
		metrics.RequestsAdded.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("%w: store assigned no ID to new request", ErrInvariant)
	}
	request.ID = id

	if err := queue.publisher.Publish(ctx, event.SubjectRequested, request); err != nil {
		metrics.RequestsAdded.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("request %s persisted but not published: %w", id, err)
	}

	queue.index.Store(id, request.CreatedAt)
	metrics.RequestsAdded.WithLabelValues("ok").Inc()
	metrics.RequestsTracked.Set(float64(queue.index.Len()))
	log.Emit(logger.NEW, "Queued request %s for %s\n", id, request.SourceLink)
	return id, nil
}

// Get returns the request with the given ID, or nil if it does not exist.
func (queue *Queue) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	request, err := queue.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return request, nil
}

// ListByRequester returns every request submitted with the given requester ID,
// oldest first.
func (queue *Queue) ListByRequester(ctx context.Context, requesterID string) ([]*Request, error) {
	requests, err := queue.store.ListRequestsByRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return requests, nil
}

// GetArtifact returns the fetched artifact for a completed request.
//
// ErrNotFound is returned if the request does not exist, or if it claims an
// artifact which the object store does not hold. ErrNotReady is returned if
// the request has not finished.
func (queue *Queue) GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error) {
	request, err := queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}

	if request.ArtifactName == nil || request.State != StateDone {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotReady, id, request.State)
	}

	name := *request.ArtifactName
	data, ok, err := queue.objects.Get(ctx, storage.ObjectKey(id, name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: artifact %q of request %s is missing from object storage", ErrNotFound, name, id)
	}

	return &Artifact{Name: name, Data: data}, nil
}

// Sweep removes the working directory of every indexed request created more than
// StaleAfter ago, and drops it from the index. Requests whose directory could not
// be removed stay indexed and are retried on the next sweep. Returns the number
// of requests swept.
func (queue *Queue) Sweep() int {
	now := queue.clock()
	swept := 0
	queue.index.Range(func(id uuid.UUID, createdAt time.Time) bool {
		if !createdAt.Add(queue.config.StaleAfter).Before(now) {
			return true
		}

		if err := queue.workspace.RemoveWorkDir(id); err != nil {
			metrics.WorkDirsSwept.WithLabelValues("error").Inc()
			log.Warnf("Failed to remove working directory of stale request %s, will retry: %s\n", id, err)
			return true
		}

		queue.index.Delete(id)
		metrics.WorkDirsSwept.WithLabelValues("ok").Inc()
		swept++
		return true
	})

	if swept > 0 {
		log.Emit(logger.REMOVE, "Swept %d stale request working directories\n", swept)
	}
	metrics.RequestsTracked.Set(float64(queue.index.Len()))
	return swept
}

// Tracked reports whether the request is currently in the staleness index.
func (queue *Queue) Tracked(id uuid.UUID) bool {
	_, ok := queue.index.Load(id)
	return ok
}

// RestoreIndex re-populates the staleness index from the working directories
// present on disk. The creation time of each request is taken from the store,
// falling back to the directory's modification time for directories that have
// no matching request.
func (queue *Queue) RestoreIndex(ctx context.Context) error {
	dirs, err := queue.workspace.WorkDirs()
	if err != nil {
		return err
	}

	for id, modTime := range dirs {
		createdAt := modTime
		request, err := queue.store.GetRequest(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if request != nil {
			createdAt = request.CreatedAt
		}

		queue.index.LoadOrStore(id, createdAt)
	}

	if len(dirs) > 0 {
		log.Emit(logger.INFO, "Restored %d working directories in to the staleness index\n", len(dirs))
	}
	metrics.RequestsTracked.Set(float64(queue.index.Len()))
	return nil
}

// Run restores the staleness index and then sweeps every SweepInterval
// until ctx is cancelled.
func (queue *Queue) Run(ctx context.Context) error {
	if err := queue.RestoreIndex(ctx); err != nil {
		log.Warnf("Failed to restore staleness index: %s\n", err)
	}

	ticker := time.NewTicker(queue.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			queue.Sweep()
		}
	}
}

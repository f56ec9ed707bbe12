// Package pipeline contains the workers which move a request through its
// lifecycle. Each worker kind subscribes to one subject as a consumer group, so
// running several instances (in this process or others) spreads the load
// without delivering any event twice within a kind.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/darklight-media/darklight/pkg/worker"
	"github.com/google/uuid"
)

var log = logger.Get("Pipeline")

type (
	Config struct {
		DownloadWorkers int           `yaml:"download_workers" env:"CONCURRENCY_DOWNLOAD_WORKERS" env-default:"2" validate:"min=1"`
		StatusWorkers   int           `yaml:"status_workers" env:"CONCURRENCY_STATUS_WORKERS" env-default:"1" validate:"min=1"`
		FilenameWorkers int           `yaml:"filename_workers" env:"CONCURRENCY_FILENAME_WORKERS" env-default:"1" validate:"min=1"`
		DoneWorkers     int           `yaml:"done_workers" env:"CONCURRENCY_DONE_WORKERS" env-default:"1" validate:"min=1"`
		RestartDelay    time.Duration `yaml:"restart_delay" env:"CONCURRENCY_RESTART_DELAY" env-default:"2s"`
	}

	Fetcher interface {
		Fetch(ctx context.Context, id uuid.UUID, sourceLink string, onProgress fetch.ProgressHandler, onFilename fetch.FilenameHandler) error
		ResolveArtifact(id uuid.UUID) (name string, path string, err error)
		RemoveWorkDir(id uuid.UUID) error
	}

	ObjectPutter interface {
		Put(ctx context.Context, key string, body io.Reader) error
	}

	ProgressRecorder interface {
		UpdateRequestPercentage(ctx context.Context, id uuid.UUID, percentage int) (bool, error)
	}

	FilenameRecorder interface {
		UpdateRequestArtifactName(ctx context.Context, id uuid.UUID, name string) (bool, error)
	}

	CompletionRecorder interface {
		MarkRequestDone(ctx context.Context, id uuid.UUID, name string) (bool, error)
		MarkRequestErrored(ctx context.Context, id uuid.UUID) (bool, error)
	}

	RequestStore interface {
		ProgressRecorder
		FilenameRecorder
		CompletionRecorder
	}

	handlerFunc func(context.Context, event.Message) error

	// consumer binds a handler to a subscription. A failing or panicking
	// handler is logged and never ends the subscription.
	consumer struct {
		label   string
		bus     event.Subscriber
		subject event.Subject
		group   event.Group
		handle  handlerFunc
	}

	// Pipeline owns a worker pool per worker kind.
	Pipeline struct {
		pools []*worker.Pool
	}
)

func (c *consumer) Run(ctx context.Context) error {
	stream, err := c.bus.Subscribe(ctx, c.subject, c.group)
	if err != nil {
		return err
	}

	log.Emit(logger.DEBUG, "%s subscribed to %s (group %s)\n", c.label, c.subject, c.group)
	for msg := range stream {
		c.dispatch(ctx, msg)
	}

	if ctx.Err() == nil {
		return fmt.Errorf("subscription to %s closed", c.subject)
	}
	return nil
}

func (c *consumer) dispatch(ctx context.Context, msg event.Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsHandled.WithLabelValues(string(c.subject), string(c.group), "panic").Inc()
			log.Emit(logger.ERROR, "%s panicked while handling %s message: %v\n", c.label, msg.Subject, r)
		}
	}()

	if err := c.handle(ctx, msg); err != nil {
		metrics.EventsHandled.WithLabelValues(string(c.subject), string(c.group), "error").Inc()
		log.Errorf("%s failed to handle %s message: %s\n", c.label, msg.Subject, err)
		return
	}

	metrics.EventsHandled.WithLabelValues(string(c.subject), string(c.group), "ok").Inc()
}

// New builds the worker pools for every stage of the pipeline.
func New(config Config, bus event.Bus, fetcher Fetcher, objects ObjectPutter, store RequestStore, cleanupOnCompletion bool) *Pipeline {
	download := NewDownloadWorker(bus, fetcher, objects, cleanupOnCompletion)
	status := NewStatusWorker(store)
	filename := NewFilenameWorker(store)
	done := NewDoneWorker(store)

	build := func(label string, instances int, consumers ...func() *consumer) *worker.Pool {
		pool := worker.NewWorkerPool(label)
		if config.RestartDelay > 0 {
			pool.RestartDelay = config.RestartDelay
		}

		for i := 0; i < max(instances, 1); i++ {
			for _, c := range consumers {
				_ = pool.PushWorker(c())
			}
		}
		return pool
	}

	return &Pipeline{pools: []*worker.Pool{
		build("download-worker", config.DownloadWorkers, func() *consumer {
			return &consumer{"download-worker", bus, event.SubjectRequested, event.GroupDownloadWorkers, download.Handle}
		}),
		build("status-worker", config.StatusWorkers, func() *consumer {
			return &consumer{"status-worker", bus, event.SubjectProgressUpdate, event.GroupStatusWorkers, status.Handle}
		}),
		build("filename-worker", config.FilenameWorkers, func() *consumer {
			return &consumer{"filename-worker", bus, event.SubjectFilenameAvailable, event.GroupFilenameWorkers, filename.Handle}
		}),
		build("done-worker", config.DoneWorkers,
			func() *consumer {
				return &consumer{"done-worker", bus, event.SubjectFetchDone, event.GroupDoneWorkers, done.HandleDone}
			},
			func() *consumer {
				return &consumer{"done-worker", bus, event.SubjectFetchFailed, event.GroupDoneWorkers, done.HandleFailed}
			},
		),
	}}
}

// Run starts every pool and blocks until ctx is cancelled
// and all workers have stopped.
func (pipeline *Pipeline) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}
	for _, pool := range pipeline.pools {
		wg.Add(1)
		go func(pool *worker.Pool) {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				log.Errorf("Worker pool failed: %s\n", err)
			}
		}(pool)
	}

	wg.Wait()
	return nil
}

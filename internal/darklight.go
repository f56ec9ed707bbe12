package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/darklight-media/darklight/internal/activity"
	"github.com/darklight-media/darklight/internal/database"
	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/internal/pipeline"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/darklight-media/darklight/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// Darklight is the top-level object for the server. It owns the
	// connections to the supporting services (database, event bus and object
	// storage) and runs the request queue and the pipeline workers against them.
	Darklight struct {
		config  DarklightConfig
		db      database.Manager
		bus     event.Bus
		objects *storage.S3Store
		fetcher *fetch.Adapter
		store   *dataOrchestrator
		queue   *download.Queue
	}
)

func New(config DarklightConfig) *Darklight {
	log.Emit(logger.DEBUG, "Bootstrapping Darklight using config: %+v\n", redact(config))
	db := database.New()
	return &Darklight{config: config, db: db, store: newDataOrchestrator(db)}
}

// Connect establishes every connection Darklight depends on and constructs the
// request queue. It must be called (and succeed) before Queue or Run. Connect
// is all that clients which only submit or query requests need.
func (dl *Darklight) Connect(ctx context.Context) error {
	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := dl.db.Connect(ctx, dl.config.Database); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to event bus (%s)...\n", dl.config.Bus.Driver)
	bus, err := event.New(dl.config.Bus)
	if err != nil {
		dl.Close()
		return err
	}
	dl.bus = bus

	log.Emit(logger.NEW, "Connecting to object storage...\n")
	objects, err := storage.New(ctx, dl.config.ObjectStorage)
	if err != nil {
		dl.Close()
		return err
	}
	dl.objects = objects

	fetcher, err := fetch.New(dl.config.Fetch)
	if err != nil {
		dl.Close()
		return err
	}
	dl.fetcher = fetcher

	dl.queue = download.NewQueue(dl.config.Queue, dl.store, dl.objects, dl.bus, dl.fetcher)
	log.Emit(logger.SUCCESS, "All connections established\n")
	return nil
}

// Queue returns the request queue, which is nil until Connect has succeeded.
func (dl *Darklight) Queue() *download.Queue { return dl.queue }

// Run starts the queue's sweeper and the pipeline workers, plus the activity
// log and metrics server if they are enabled, and blocks until they have all
// stopped. To stop Darklight, the provided context must be cancelled. A
// service which fails is logged and stops on its own, leaving the others
// running.
func (dl *Darklight) Run(ctx context.Context) error {
	if dl.queue == nil {
		return fmt.Errorf("cannot run Darklight: %w", database.ErrNotConnected)
	}
	defer dl.Close()

	workers := pipeline.New(dl.config.Concurrency, dl.bus, dl.fetcher, dl.objects, dl.store, dl.fetcher.CleanupOnCompletion())

	wg := &sync.WaitGroup{}
	spawnAsyncService(ctx, wg, dl.queue, "request-queue", logServiceCrash)
	spawnAsyncService(ctx, wg, workers, "pipeline", logServiceCrash)
	if dl.config.Activity.Enabled {
		spawnAsyncService(ctx, wg, activity.New(dl.config.Activity, dl.bus, nil), "activity-log", logServiceCrash)
	}
	if dl.config.Metrics.Enabled {
		spawnAsyncService(ctx, wg, metrics.NewServer(dl.config.Metrics), "metrics-server", logServiceCrash)
	}
	log.Emit(logger.SUCCESS, "Darklight services spawned!\n")

	wg.Wait()
	if ctx.Err() == nil {
		return errors.New("every Darklight service stopped before shutdown")
	}

	log.Emit(logger.STOP, "Darklight stopped\n")
	return nil
}

// Close releases the connections to the event bus and database.
func (dl *Darklight) Close() {
	if dl.bus != nil {
		if err := dl.bus.Close(); err != nil {
			log.Warnf("Failed to close event bus: %s\n", err)
		}
		dl.bus = nil
	}

	if err := dl.db.Close(); err != nil {
		log.Warnf("Failed to close database: %s\n", err)
	}
}

// logServiceCrash reports a service which has stopped unexpectedly. The
// remaining services are not affected.
func logServiceCrash(label string, err error) {
	log.Errorf("Service crash (%s)! %s\n", label, err.Error())
}

// spawnAsyncService will run the provided service as its own
// go-routine, ensuring that the service waitgroup is updated correctly
func spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(serviceLabel, crashHandler)
}

// redact returns a copy of the config with its secrets removed,
// suitable for logging.
func redact(config DarklightConfig) DarklightConfig {
	if config.Database.Password != "" {
		config.Database.Password = "<redacted>"
	}
	if config.ObjectStorage.SecretAccessKey != "" {
		config.ObjectStorage.SecretAccessKey = "<redacted>"
	}

	return config
}

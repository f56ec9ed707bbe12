package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
)

const maxFailureReasonLength = 4096

// DownloadWorker runs the fetch tool for each Requested event, relays its
// progress and filename as events, uploads the finished artifact and reports
// the outcome as either FetchDone or FetchFailed.
type DownloadWorker struct {
	bus                 event.Publisher
	fetcher             Fetcher
	objects             ObjectPutter
	cleanupOnCompletion bool
}

func NewDownloadWorker(bus event.Publisher, fetcher Fetcher, objects ObjectPutter, cleanupOnCompletion bool) *DownloadWorker {
	return &DownloadWorker{bus: bus, fetcher: fetcher, objects: objects, cleanupOnCompletion: cleanupOnCompletion}
}

func (w *DownloadWorker) Handle(ctx context.Context, msg event.Message) error {
	request, err := event.Decode[download.Request](msg)
	if err != nil {
		return err
	}
	if request.ID == uuid.Nil {
		return fmt.Errorf("%w: requested event carries no request ID", download.ErrInvariant)
	}

	id := request.ID
	w.publish(ctx, event.SubjectProgressUpdate, event.ProgressUpdate{ID: id, Percentage: 0})

	err = w.fetcher.Fetch(ctx, id, request.SourceLink,
		func(percentage int) {
			w.publish(ctx, event.SubjectProgressUpdate, event.ProgressUpdate{ID: id, Percentage: percentage})
		},
		func(filename string) {
			w.publish(ctx, event.SubjectFilenameAvailable, event.FilenameAvailable{ID: id, Filename: filename})
		},
	)
	if err != nil {
		return w.fail(ctx, id, err)
	}

	name, err := w.upload(ctx, id)
	if err != nil {
		return w.fail(ctx, id, err)
	}

	if err := w.bus.Publish(ctx, event.SubjectFetchDone, event.FetchDone{ID: id, Filename: name}); err != nil {
		return fmt.Errorf("request %s uploaded but completion not published: %w", id, err)
	}

	if w.cleanupOnCompletion {
		if err := w.fetcher.RemoveWorkDir(id); err != nil {
			log.Warnf("Failed to clean up working directory of request %s: %s\n", id, err)
		}
	}

	log.Emit(logger.SUCCESS, "Request %s fetched and stored as %s\n", id, name)
	return nil
}

func (w *DownloadWorker) upload(ctx context.Context, id uuid.UUID) (string, error) {
	name, path, err := w.fetcher.ResolveArtifact(id)
	if err != nil {
		return "", err
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot open artifact %s: %w", fetch.ErrIO, path, err)
	}
	defer file.Close()

	if err := w.objects.Put(ctx, storage.ObjectKey(id, name), file); err != nil {
		return "", err
	}

	return name, nil
}

// fail reports the failure of a request to the pipeline, and returns
// the cause so that it is logged by the consumer.
func (w *DownloadWorker) fail(ctx context.Context, id uuid.UUID, cause error) error {
	reason := cause.Error()
	if len(reason) > maxFailureReasonLength {
		reason = reason[:maxFailureReasonLength]
	}

	if err := w.bus.Publish(ctx, event.SubjectFetchFailed, event.FetchFailed{ID: id, Reason: reason}); err != nil {
		log.Errorf("Failed to report failure of request %s: %s\n", id, err)
	}

	return fmt.Errorf("request %s failed: %w", id, cause)
}

func (w *DownloadWorker) publish(ctx context.Context, subject event.Subject, payload any) {
	if err := w.bus.Publish(ctx, subject, payload); err != nil {
		log.Warnf("Failed to publish %s: %s\n", subject, err)
	}
}

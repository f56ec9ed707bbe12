package pipeline

import (
	"context"
	"fmt"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/pkg/logger"
)

// DoneWorker moves requests in to their terminal state.
type DoneWorker struct {
	store CompletionRecorder
}

func NewDoneWorker(store CompletionRecorder) *DoneWorker {
	return &DoneWorker{store: store}
}

func (w *DoneWorker) HandleDone(ctx context.Context, msg event.Message) error {
	done, err := event.Decode[event.FetchDone](msg)
	if err != nil {
		return err
	}

	applied, err := w.store.MarkRequestDone(ctx, done.ID, done.Filename)
	if err != nil {
		return fmt.Errorf("%w: marking request %s done: %w", download.ErrPersistence, done.ID, err)
	}
	if !applied {
		log.Infof("Ignored completion of request %s: request has already failed or is unknown\n", done.ID)
		return nil
	}

	log.Emit(logger.SUCCESS, "Request %s is done (%s)\n", done.ID, done.Filename)
	return nil
}

func (w *DoneWorker) HandleFailed(ctx context.Context, msg event.Message) error {
	failed, err := event.Decode[event.FetchFailed](msg)
	if err != nil {
		return err
	}

	applied, err := w.store.MarkRequestErrored(ctx, failed.ID)
	if err != nil {
		return fmt.Errorf("%w: marking request %s errored: %w", download.ErrPersistence, failed.ID, err)
	}
	if !applied {
		log.Infof("Ignored failure of request %s: request is already done or unknown\n", failed.ID)
		return nil
	}

	log.Warnf("Request %s failed: %s\n", failed.ID, failed.Reason)
	return nil
}

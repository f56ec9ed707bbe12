package pipeline

import (
	"context"
	"fmt"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
)

// StatusWorker persists progress updates.
type StatusWorker struct {
	store ProgressRecorder
}

func NewStatusWorker(store ProgressRecorder) *StatusWorker {
	return &StatusWorker{store: store}
}

func (w *StatusWorker) Handle(ctx context.Context, msg event.Message) error {
	update, err := event.Decode[event.ProgressUpdate](msg)
	if err != nil {
		return err
	}

	applied, err := w.store.UpdateRequestPercentage(ctx, update.ID, update.Percentage)
	if err != nil {
		return fmt.Errorf("%w: recording progress of request %s: %w", download.ErrPersistence, update.ID, err)
	}
	if !applied {
		log.Infof("Ignored progress update (%d%%) for request %s: request is finished or unknown\n", update.Percentage, update.ID)
	}

	return nil
}

// FilenameWorker persists the artifact name reported by the fetch tool.
type FilenameWorker struct {
	store FilenameRecorder
}

func NewFilenameWorker(store FilenameRecorder) *FilenameWorker {
	return &FilenameWorker{store: store}
}

func (w *FilenameWorker) Handle(ctx context.Context, msg event.Message) error {
	available, err := event.Decode[event.FilenameAvailable](msg)
	if err != nil {
		return err
	}

	applied, err := w.store.UpdateRequestArtifactName(ctx, available.ID, available.Filename)
	if err != nil {
		return fmt.Errorf("%w: recording filename of request %s: %w", download.ErrPersistence, available.ID, err)
	}
	if !applied {
		log.Infof("Ignored filename %q for request %s: request is finished or unknown\n", available.Filename, available.ID)
	}

	return nil
}

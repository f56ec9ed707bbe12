// Package event contains the subjects, payloads and bus abstraction used to
// connect the stages of the fetch pipeline. Each stage subscribes to exactly one
// subject as part of a consumer group, and publishes its results as new events.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	log = logger.Get("Bus")

	// ErrBus is the kind shared by every publish, subscribe
	// and decode failure.
	ErrBus = errors.New("event bus failure")

	validate = validator.New()
)

type (
	Subject string
	Group   string

	// Message is a single delivery of an event, still encoded.
	Message struct {
		Subject Subject
		Data    []byte
	}

	Publisher interface {
		Publish(ctx context.Context, subject Subject, payload any) error
	}

	Subscriber interface {
		// Subscribe returns a stream of messages published to the subject. When group
		// is non-empty, each message is delivered to exactly one subscriber of that
		// group. Otherwise every subscriber receives every message. The stream
		// is closed once ctx is cancelled.
		Subscribe(ctx context.Context, subject Subject, group Group) (<-chan Message, error)
	}

	Bus interface {
		Publisher
		Subscriber
		Close() error
	}

	ProgressUpdate struct {
		ID         uuid.UUID `json:"id" validate:"required"`
		Percentage int       `json:"percentage" validate:"min=0,max=100"`
	}

	FilenameAvailable struct {
		ID       uuid.UUID `json:"id" validate:"required"`
		Filename string    `json:"filename" validate:"required"`
	}

	FetchDone struct {
		ID       uuid.UUID `json:"id" validate:"required"`
		Filename string    `json:"filename" validate:"required"`
	}

	FetchFailed struct {
		ID     uuid.UUID `json:"id" validate:"required"`
		Reason string    `json:"reason"`
	}
)

const (
	SubjectRequested         Subject = "requests"
	SubjectProgressUpdate    Subject = "progress-update"
	SubjectFilenameAvailable Subject = "filename-available"
	SubjectFetchDone         Subject = "fetch-done"
	SubjectFetchFailed       Subject = "fetch-failed"

	GroupDownloadWorkers Group = "download-workers"
	GroupStatusWorkers   Group = "status-workers"
	GroupFilenameWorkers Group = "filename-workers"
	GroupDoneWorkers     Group = "done-workers"
)

func encode(subject Subject, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode %T payload for %s: %w", ErrBus, payload, subject, err)
	}

	return data, nil
}

// Decode unmarshals the message in to a T and validates the result
// using the `validate` tags of T.
func Decode[T any](msg Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, fmt.Errorf("%w: malformed %s payload: %w", ErrBus, msg.Subject, err)
	}

	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: invalid %s payload: %w", ErrBus, msg.Subject, err)
	}

	return out, nil
}

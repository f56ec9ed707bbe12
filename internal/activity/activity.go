// Package activity turns the stream of lifecycle events into a readable
// per-request activity log. Progress is reported often by the fetch tool, so
// entries are debounced per request and subject before being reported.
package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Activity")

type (
	Config struct {
		Enabled  bool          `yaml:"enabled" env:"ACTIVITY_ENABLED" env-default:"true"`
		Debounce time.Duration `yaml:"debounce" env:"ACTIVITY_DEBOUNCE" env-default:"500ms" validate:"gte=0"`
		MaxWait  time.Duration `yaml:"max_wait" env:"ACTIVITY_MAX_WAIT" env-default:"2s" validate:"gte=0"`
	}

	// Entry is a single line of activity for a request.
	Entry struct {
		Subject   event.Subject
		RequestID uuid.UUID
		Detail    string
	}

	Reporter func(Entry)

	entryKey struct {
		subject event.Subject
		id      uuid.UUID
	}

	// requested is the subset of a Requested payload the activity log needs.
	requested struct {
		ID         uuid.UUID `json:"id" validate:"required"`
		SourceLink string    `json:"source_link"`
	}

	// Service observes every lifecycle subject without joining a consumer
	// group, so it sees every event regardless of which worker handles it.
	Service struct {
		*sync.Mutex
		config         Config
		bus            event.Subscriber
		report         Reporter
		pending        map[entryKey]Entry
		debounceTimers map[entryKey]*time.Timer
		maxTimers      map[entryKey]*time.Timer
	}
)

var subjects = []event.Subject{
	event.SubjectRequested,
	event.SubjectProgressUpdate,
	event.SubjectFilenameAvailable,
	event.SubjectFetchDone,
	event.SubjectFetchFailed,
}

// New creates the activity service. A nil reporter logs each entry.
func New(config Config, bus event.Subscriber, report Reporter) *Service {
	if report == nil {
		report = logEntry
	}

	return &Service{
		Mutex:          &sync.Mutex{},
		config:         config,
		bus:            bus,
		report:         report,
		pending:        make(map[entryKey]Entry),
		debounceTimers: make(map[entryKey]*time.Timer),
		maxTimers:      make(map[entryKey]*time.Timer),
	}
}

func (service *Service) Run(ctx context.Context) error {
	merged := make(chan event.Message)
	wg := &sync.WaitGroup{}
	for _, subject := range subjects {
		stream, err := service.bus.Subscribe(ctx, subject, "")
		if err != nil {
			return err
		}

		wg.Add(1)
		go func(stream <-chan event.Message) {
			defer wg.Done()
			for msg := range stream {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(stream)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	log.Emit(logger.NEW, "Activity service started\n")
	for msg := range merged {
		if err := service.handleMessage(msg); err != nil {
			log.Emit(logger.WARNING, "Ignoring activity for %s: %s\n", msg.Subject, err)
		}
	}

	service.flush()
	log.Emit(logger.STOP, "Activity service closed\n")
	if ctx.Err() == nil {
		return fmt.Errorf("activity subscriptions closed")
	}
	return nil
}

func (service *Service) handleMessage(msg event.Message) error {
	entry, err := describe(msg)
	if err != nil {
		return err
	}

	key := entryKey{subject: entry.Subject, id: entry.RequestID}
	switch entry.Subject {
	case event.SubjectProgressUpdate:
		service.schedule(key, entry)
	case event.SubjectFetchDone, event.SubjectFetchFailed:
		// Outstanding progress must be reported before the outcome
		service.broadcast(entryKey{subject: event.SubjectProgressUpdate, id: entry.RequestID})
		service.report(entry)
	default:
		service.report(entry)
	}

	return nil
}

func describe(msg event.Message) (Entry, error) {
	switch msg.Subject {
	case event.SubjectRequested:
		req, err := event.Decode[requested](msg)
		return Entry{msg.Subject, req.ID, fmt.Sprintf("requested %s", req.SourceLink)}, err
	case event.SubjectProgressUpdate:
		update, err := event.Decode[event.ProgressUpdate](msg)
		return Entry{msg.Subject, update.ID, fmt.Sprintf("%d%%", update.Percentage)}, err
	case event.SubjectFilenameAvailable:
		available, err := event.Decode[event.FilenameAvailable](msg)
		return Entry{msg.Subject, available.ID, fmt.Sprintf("writing %s", available.Filename)}, err
	case event.SubjectFetchDone:
		done, err := event.Decode[event.FetchDone](msg)
		return Entry{msg.Subject, done.ID, fmt.Sprintf("stored %s", done.Filename)}, err
	case event.SubjectFetchFailed:
		failed, err := event.Decode[event.FetchFailed](msg)
		return Entry{msg.Subject, failed.ID, fmt.Sprintf("failed: %s", failed.Reason)}, err
	}

	return Entry{}, fmt.Errorf("unknown subject %s", msg.Subject)
}

// schedule records the latest entry for the key, and (re)arms its debounce
// timer. A max timer guarantees a steady stream of updates is still reported
// at least once every MaxWait.
func (service *Service) schedule(key entryKey, entry Entry) {
	service.Lock()
	defer service.Unlock()

	service.pending[key] = entry
	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
	}
	service.debounceTimers[key] = time.AfterFunc(service.config.Debounce, func() { service.broadcast(key) })

	if _, ok := service.maxTimers[key]; !ok {
		service.maxTimers[key] = time.AfterFunc(service.config.MaxWait, func() { service.broadcast(key) })
	}
}

// broadcast reports the pending entry for the key (if any) and clears its timers.
func (service *Service) broadcast(key entryKey) {
	service.Lock()
	entry, ok := service.pending[key]
	delete(service.pending, key)
	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
		delete(service.debounceTimers, key)
	}
	if t, ok := service.maxTimers[key]; ok {
		t.Stop()
		delete(service.maxTimers, key)
	}
	service.Unlock()

	if ok {
		service.report(entry)
	}
}

func (service *Service) flush() {
	service.Lock()
	keys := make([]entryKey, 0, len(service.pending))
	for key := range service.pending {
		keys = append(keys, key)
	}
	service.Unlock()

	for _, key := range keys {
		service.broadcast(key)
	}
}

func logEntry(entry Entry) {
	log.Infof("Request %s (%s): %s\n", entry.RequestID, entry.Subject, entry.Detail)
}

package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var errExpected = errors.New("test: expected error")

// memoryStore mirrors the guarded update semantics of the SQL request store.
type memoryStore struct {
	sync.Mutex
	requests map[uuid.UUID]*download.Request
	panicOn  uuid.UUID
}

func newMemoryStore() *memoryStore {
	return &memoryStore{requests: make(map[uuid.UUID]*download.Request)}
}

func (s *memoryStore) put(request download.Request) {
	s.Lock()
	defer s.Unlock()
	s.requests[request.ID] = &request
}

func (s *memoryStore) snapshot(id uuid.UUID) *download.Request {
	s.Lock()
	defer s.Unlock()
	if r, ok := s.requests[id]; ok {
		copied := *r
		return &copied
	}
	return nil
}

func (s *memoryStore) CreateRequest(_ context.Context, request *download.Request) (uuid.UUID, error) {
	s.Lock()
	defer s.Unlock()
	copied := *request
	copied.ID = uuid.New()
	s.requests[copied.ID] = &copied
	return copied.ID, nil
}

func (s *memoryStore) GetRequest(_ context.Context, id uuid.UUID) (*download.Request, error) {
	return s.snapshot(id), nil
}

func (s *memoryStore) ListRequestsByRequester(_ context.Context, requesterID string) ([]*download.Request, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]*download.Request, 0)
	for _, r := range s.requests {
		if r.RequesterID != nil && *r.RequesterID == requesterID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateRequestPercentage(_ context.Context, id uuid.UUID, percentage int) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if id == s.panicOn {
		panic("test: store exploded")
	}

	r, ok := s.requests[id]
	if !ok || r.State.IsTerminal() {
		return false, nil
	}
	r.Percentage = percentage
	if r.State == download.StateInitiated {
		r.State = download.StateFetching
	}
	return true, nil
}

func (s *memoryStore) UpdateRequestArtifactName(_ context.Context, id uuid.UUID, name string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	r, ok := s.requests[id]
	if !ok || r.State.IsTerminal() {
		return false, nil
	}
	r.ArtifactName = &name
	return true, nil
}

func (s *memoryStore) MarkRequestDone(_ context.Context, id uuid.UUID, name string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	r, ok := s.requests[id]
	if !ok || r.State == download.StateError {
		return false, nil
	}
	r.State, r.ArtifactName, r.Percentage = download.StateDone, &name, 100
	return true, nil
}

func (s *memoryStore) MarkRequestErrored(_ context.Context, id uuid.UUID) (bool, error) {
	s.Lock()
	defer s.Unlock()
	r, ok := s.requests[id]
	if !ok || r.State == download.StateDone {
		return false, nil
	}
	r.State = download.StateError
	return true, nil
}

type memoryObjects struct {
	sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (o *memoryObjects) Put(_ context.Context, key string, body io.Reader) error {
	if o.failPut {
		return errExpected
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	o.Lock()
	defer o.Unlock()
	o.objects[key] = data
	return nil
}

func (o *memoryObjects) Get(_ context.Context, key string) ([]byte, bool, error) {
	o.Lock()
	defer o.Unlock()
	data, ok := o.objects[key]
	return data, ok, nil
}

type published struct {
	subject event.Subject
	payload any
}

type recordingPublisher struct {
	sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, subject event.Subject, payload any) error {
	p.Lock()
	defer p.Unlock()
	p.events = append(p.events, published{subject, payload})
	return nil
}

func (p *recordingPublisher) subjects() []event.Subject {
	p.Lock()
	defer p.Unlock()
	out := make([]event.Subject, len(p.events))
	for i, e := range p.events {
		out[i] = e.subject
	}
	return out
}

// newScriptedAdapter returns a fetch adapter whose tool is
// a shell script with the given body.
func newScriptedAdapter(t *testing.T, body string) *fetch.Adapter {
	t.Helper()
	tool := filepath.Join(t.TempDir(), "fake-fetch-tool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"+body), 0o755))

	adapter, err := fetch.New(fetch.Config{
		BinaryPath:  tool,
		StoragePath: t.TempDir(),
		TitleLength: 90,
		Timeout:     30 * time.Second,
	})
	require.NoError(t, err)
	return adapter
}

func successfulTool(filename string, contents string) string {
	return fmt.Sprintf(`
echo "[download] Destination: %[1]s"
echo "[download]  25.0%% of 1.00MiB"
printf '%[2]s' > "%[1]s"
echo "[download] 100%% of 1.00MiB in 00:00"
`, filename, contents)
}

const failingTool = `
echo "[download]  10.0% of 1.00MiB"
echo "ERROR: video unavailable" >&2
exit 1
`

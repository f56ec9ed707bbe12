package download_test

import (
	"context"
	"time"

	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockRequestStore struct{ mock.Mock }

func (m *mockRequestStore) CreateRequest(ctx context.Context, request *download.Request) (uuid.UUID, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *mockRequestStore) GetRequest(ctx context.Context, id uuid.UUID) (*download.Request, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*download.Request), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRequestStore) ListRequestsByRequester(ctx context.Context, requesterID string) ([]*download.Request, error) {
	args := m.Called(ctx, requesterID)
	if r := args.Get(0); r != nil {
		return r.([]*download.Request), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockObjects struct{ mock.Mock }

func (m *mockObjects) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, subject event.Subject, payload any) error {
	return m.Called(ctx, subject, payload).Error(0)
}

type mockWorkspace struct{ mock.Mock }

func (m *mockWorkspace) RemoveWorkDir(id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *mockWorkspace) WorkDirs() (map[uuid.UUID]time.Time, error) {
	args := m.Called()
	if d := args.Get(0); d != nil {
		return d.(map[uuid.UUID]time.Time), args.Error(1)
	}
	return nil, args.Error(1)
}

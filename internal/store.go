package internal

import (
	"context"

	"github.com/darklight-media/darklight/internal/database"
	"github.com/darklight-media/darklight/internal/download"
	"github.com/google/uuid"
)

type (
	// dataOrchestrator binds the stateless data stores to the database
	// connection owned by the database manager. Consumers (the queue and the
	// pipeline workers) only ever see the narrow interfaces they need, which
	// this type satisfies.
	dataOrchestrator struct {
		db           database.Manager
		RequestStore *download.Store
	}
)

func newDataOrchestrator(db database.Manager) *dataOrchestrator {
	return &dataOrchestrator{db: db, RequestStore: &download.Store{}}
}

func (orch *dataOrchestrator) CreateRequest(ctx context.Context, request *download.Request) (uuid.UUID, error) {
	return orch.RequestStore.Create(ctx, orch.db.GetSqlxDb(), request)
}

func (orch *dataOrchestrator) GetRequest(ctx context.Context, id uuid.UUID) (*download.Request, error) {
	return orch.RequestStore.Get(ctx, orch.db.GetSqlxDb(), id)
}

func (orch *dataOrchestrator) ListRequestsByRequester(ctx context.Context, requesterID string) ([]*download.Request, error) {
	return orch.RequestStore.ListByRequester(ctx, orch.db.GetSqlxDb(), requesterID)
}

func (orch *dataOrchestrator) UpdateRequestPercentage(ctx context.Context, id uuid.UUID, percentage int) (bool, error) {
	return orch.RequestStore.UpdatePercentage(ctx, orch.db.GetSqlxDb(), id, percentage)
}

func (orch *dataOrchestrator) UpdateRequestArtifactName(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	return orch.RequestStore.UpdateArtifactName(ctx, orch.db.GetSqlxDb(), id, name)
}

func (orch *dataOrchestrator) MarkRequestDone(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	return orch.RequestStore.MarkDone(ctx, orch.db.GetSqlxDb(), id, name)
}

func (orch *dataOrchestrator) MarkRequestErrored(ctx context.Context, id uuid.UUID) (bool, error) {
	return orch.RequestStore.MarkErrored(ctx, orch.db.GetSqlxDb(), id)
}

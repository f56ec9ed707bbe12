package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/darklight-media/darklight/internal/database"
	"github.com/google/uuid"
)

// Store performs field-level reads and writes of requests. It holds no
// state of its own, and every method operates on the Queryable given to it.
//
// Updates which only make sense for an active request are guarded in SQL by
// the request's current state, so that a late or duplicated event can never
// move a request out of a terminal state.
type Store struct{}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func selectRequestBuilder() squirrel.SelectBuilder {
	return psql().
		Select("id", "state", "source_link", "artifact_name", "created_at", "percentage", "requester_id").
		From("requests")
}

// Create inserts the request, returning the ID assigned by the database.
func (store *Store) Create(ctx context.Context, db database.Queryable, request *Request) (uuid.UUID, error) {
	query, args, err := psql().
		Insert("requests").
		Columns("state", "source_link", "artifact_name", "created_at", "percentage", "requester_id").
		Values(request.State, request.SourceLink, request.ArtifactName, request.CreatedAt, request.Percentage, request.RequesterID).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to construct insert request query: %w", err)
	}

	var id uuid.UUID
	if err := db.GetContext(ctx, &id, query, args...); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert request: %w", err)
	}

	return id, nil
}

// Get returns the request with the given ID, or nil if no such request exists.
func (store *Store) Get(ctx context.Context, db database.Queryable, id uuid.UUID) (*Request, error) {
	query, args, err := selectRequestBuilder().Where("id = ?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select request query: %w", err)
	}

	var request Request
	if err := db.GetContext(ctx, &request, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find request %s: %w", id, err)
	}

	return &request, nil
}

func (store *Store) ListByRequester(ctx context.Context, db database.Queryable, requesterID string) ([]*Request, error) {
	query, args, err := selectRequestBuilder().
		Where("requester_id = ?", requesterID).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list requests query: %w", err)
	}

	var results []Request
	if err := db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests for requester %q: %w", requesterID, err)
	}

	output := make([]*Request, len(results))
	for k := range results {
		output[k] = &results[k]
	}

	return output, nil
}

// UpdatePercentage records the latest progress reported for an active request,
// and promotes an Initiated request to Fetching. The fetch tool may restart its
// count for each stream it downloads, so the value is stored as given. Returns
// false if the request is terminal or does not exist.
func (store *Store) UpdatePercentage(ctx context.Context, db database.Queryable, id uuid.UUID, percentage int) (bool, error) {
	return execGuarded(ctx, db, `
		UPDATE requests
		SET percentage = $2,
		    state = CASE WHEN state = 'initiated' THEN 'fetching' ELSE state END
		WHERE id = $1 AND state NOT IN ('done', 'error')
	`, id, percentage)
}

// UpdateArtifactName records the artifact name reported by the fetch tool
// for an active request. Returns false if the request is terminal or does not exist.
func (store *Store) UpdateArtifactName(ctx context.Context, db database.Queryable, id uuid.UUID, name string) (bool, error) {
	return execGuarded(ctx, db, `
		UPDATE requests
		SET artifact_name = $2
		WHERE id = $1 AND state NOT IN ('done', 'error')
	`, id, name)
}

// MarkDone marks the request as complete with the final artifact name. Marking a
// done request again is harmless. Returns false if the request has errored or
// does not exist.
func (store *Store) MarkDone(ctx context.Context, db database.Queryable, id uuid.UUID, name string) (bool, error) {
	return execGuarded(ctx, db, `
		UPDATE requests
		SET state = 'done', artifact_name = $2, percentage = 100
		WHERE id = $1 AND state <> 'error'
	`, id, name)
}

// MarkErrored moves the request to the error state unless it is already
// done. Returns false if the request is done or does not exist.
func (store *Store) MarkErrored(ctx context.Context, db database.Queryable, id uuid.UUID) (bool, error) {
	return execGuarded(ctx, db, `
		UPDATE requests
		SET state = 'error'
		WHERE id = $1 AND state <> 'done'
	`, id)
}

func execGuarded(ctx context.Context, db database.Queryable, query string, args ...any) (bool, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

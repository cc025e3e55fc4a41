package repo

import (
	"context"
	"time"

	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

// Batch covers one file's reconciliations. All writes become visible
// together at Commit; Rollback must be safe to call after Commit.
type Batch interface {
	Find(ctx context.Context, kind persistence.Kind, sourcedID string) (persistence.Record, error)
	Insert(ctx context.Context, record persistence.Record) error
	Update(ctx context.Context, record persistence.Record) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository defines the persistence operations required by the roster service.
type Repository interface {
	Begin(ctx context.Context) (Batch, error)
	Get(ctx context.Context, kind persistence.Kind, sourcedID string) (persistence.Record, error)
	Count(ctx context.Context, kind persistence.Kind, since *time.Time) (int64, error)
	List(ctx context.Context, kind persistence.Kind, params persistence.ListParams) ([]persistence.Record, error)
}

type postgresRepository struct {
	store *persistence.RosterStore
}

// NewPostgresRepository constructs a repository backed by the shared persistence layer.
func NewPostgresRepository(store *persistence.RosterStore) Repository {
	if store == nil {
		panic("roster store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) Begin(ctx context.Context) (Batch, error) {
	return r.store.Begin(ctx)
}

func (r *postgresRepository) Get(ctx context.Context, kind persistence.Kind, sourcedID string) (persistence.Record, error) {
	return r.store.Get(ctx, kind, sourcedID)
}

func (r *postgresRepository) Count(ctx context.Context, kind persistence.Kind, since *time.Time) (int64, error) {
	return r.store.Count(ctx, kind, since)
}

func (r *postgresRepository) List(ctx context.Context, kind persistence.Kind, params persistence.ListParams) ([]persistence.Record, error) {
	return r.store.List(ctx, kind, params)
}

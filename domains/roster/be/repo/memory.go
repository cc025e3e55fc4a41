package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

// MemoryRepository is an in-memory implementation suitable for tests and
// early development. Batches stage their writes and publish them on
// Commit, mirroring the transactional visibility of the Postgres store.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[persistence.Kind]map[string]persistence.Record

	// CommitErr, when set, makes every batch commit fail. Test hook for
	// storage-fault behavior.
	CommitErr error
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	records := make(map[persistence.Kind]map[string]persistence.Record)
	for _, kind := range persistence.Kinds() {
		records[kind] = make(map[string]persistence.Record)
	}
	return &MemoryRepository{records: records}
}

func (r *MemoryRepository) Begin(ctx context.Context) (Batch, error) {
	return &memoryBatch{repo: r, staged: make(map[persistence.Kind]map[string]persistence.Record)}, nil
}

func (r *MemoryRepository) Get(ctx context.Context, kind persistence.Kind, sourcedID string) (persistence.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[kind][sourcedID]
	if !ok {
		return nil, persistence.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (r *MemoryRepository) Count(ctx context.Context, kind persistence.Kind, since *time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, record := range r.records[kind] {
		if matchesSince(record, since) {
			total++
		}
	}
	return total, nil
}

func (r *MemoryRepository) List(ctx context.Context, kind persistence.Kind, params persistence.ListParams) ([]persistence.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]persistence.Record, 0, len(r.records[kind]))
	for _, record := range r.records[kind] {
		if matchesSince(record, params.Since) {
			matched = append(matched, cloneRecord(record))
		}
	}

	if params.NewestFirst {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].Env().LastSeenAt.After(matched[j].Env().LastSeenAt)
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].Env().SourcedID < matched[j].Env().SourcedID
		})
	}

	start := 0
	if params.Offset != nil {
		start = *params.Offset
		if start > len(matched) {
			start = len(matched)
		}
	}
	end := len(matched)
	if params.Limit != nil && start+*params.Limit < end {
		end = start + *params.Limit
	}

	return matched[start:end], nil
}

type memoryBatch struct {
	repo   *MemoryRepository
	staged map[persistence.Kind]map[string]persistence.Record
	closed bool
}

func (b *memoryBatch) Find(ctx context.Context, kind persistence.Kind, sourcedID string) (persistence.Record, error) {
	if staged, ok := b.staged[kind][sourcedID]; ok {
		return cloneRecord(staged), nil
	}
	return b.repo.Get(ctx, kind, sourcedID)
}

func (b *memoryBatch) Insert(ctx context.Context, record persistence.Record) error {
	b.stage(record)
	return nil
}

func (b *memoryBatch) Update(ctx context.Context, record persistence.Record) error {
	b.stage(record)
	return nil
}

func (b *memoryBatch) stage(record persistence.Record) {
	kind := record.Kind()
	if b.staged[kind] == nil {
		b.staged[kind] = make(map[string]persistence.Record)
	}
	b.staged[kind][record.Env().SourcedID] = cloneRecord(record)
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.repo.CommitErr; err != nil {
		b.staged = nil
		return err
	}

	b.repo.mu.Lock()
	defer b.repo.mu.Unlock()
	for kind, staged := range b.staged {
		for id, record := range staged {
			b.repo.records[kind][id] = record
		}
	}
	b.staged = nil
	return nil
}

func (b *memoryBatch) Rollback(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.staged = nil
	return nil
}

func matchesSince(record persistence.Record, since *time.Time) bool {
	if since == nil {
		return true
	}
	last := record.Env().LastSeenAt
	return last.Equal(*since) || last.After(*since)
}

func cloneRecord(record persistence.Record) persistence.Record {
	switch rec := record.(type) {
	case *persistence.AcademicSession:
		clone := *rec
		return &clone
	case *persistence.Org:
		clone := *rec
		return &clone
	case *persistence.RosterUser:
		clone := *rec
		return &clone
	}
	return record
}

// Ensure interface compliance.
var (
	_ Repository = (*MemoryRepository)(nil)
	_ Batch      = (*memoryBatch)(nil)
)

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/ingest"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/repo"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
	"github.com/edconnect-jp/roster-bridge/platform/go/requesttrace"
)

// Domain sentinel errors.
var ErrNotFound = errors.New("roster entity not found")

// StructuralError rejects a whole file before any row is processed:
// required columns are missing from the CSV header.
type StructuralError struct {
	Kind           persistence.Kind
	MissingColumns []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: missing required columns: %s", e.Kind, strings.Join(e.MissingColumns, ", "))
}

// RowIssue records one rejected row. Row indexes are 1-based over the
// data rows (the header is not counted).
type RowIssue struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// BatchResult is the structured outcome of one processed file.
//
// Success is false only for a storage-level fault, in which case the
// whole batch was rolled back, the counts are zero and Fault carries a
// single batch-level message. Row-level rejections never clear Success.
type BatchResult struct {
	Success    bool             `json:"success"`
	EntityType persistence.Kind `json:"entityType"`
	Created    int              `json:"createdCount"`
	Updated    int              `json:"updatedCount"`
	Errors     []RowIssue       `json:"errors"`
	Fault      string           `json:"error,omitempty"`
}

// ListOptions controls the full listing; nil bounds mean unbounded.
type ListOptions struct {
	Limit  *int
	Offset *int
}

// DeltaOptions controls the delta query. Since filters on
// LastSeenDateTime >= Since; a nil Since returns everything.
type DeltaOptions struct {
	Since  *time.Time
	Limit  *int
	Offset *int
}

// Page wraps one page of entity views with the pre-pagination total.
type Page struct {
	Data   []any `json:"data"`
	Total  int64 `json:"total"`
	Limit  *int  `json:"limit"`
	Offset *int  `json:"offset"`
}

// Service defines the business operations for the roster domain.
type Service interface {
	// ProcessFile validates and reconciles one CSV file against persisted
	// state. Structural problems (missing columns, undecodable file) come
	// back as an error with nothing persisted; storage faults come back as
	// a BatchResult with Success=false.
	ProcessFile(ctx context.Context, kind persistence.Kind, data []byte) (BatchResult, error)
	List(ctx context.Context, kind persistence.Kind, opts ListOptions) (Page, error)
	Delta(ctx context.Context, kind persistence.Kind, opts DeltaOptions) (Page, error)
	Get(ctx context.Context, kind persistence.Kind, sourcedID string) (any, error)
}

type service struct {
	repo    repo.Repository
	profile *schema.Profile
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs a roster Service instance.
func New(r repo.Repository, profile *schema.Profile, logger *zap.Logger) Service {
	if r == nil {
		panic("roster repository is required")
	}
	if profile == nil {
		panic("field profile is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: r, profile: profile, logger: logger, now: time.Now}
}

func (s *service) ProcessFile(ctx context.Context, kind persistence.Kind, data []byte) (BatchResult, error) {
	desc, err := s.profile.Descriptor(kind)
	if err != nil {
		return BatchResult{}, err
	}

	file, err := ingest.Parse(data)
	if err != nil {
		return BatchResult{}, err
	}

	if missing := desc.MissingColumns(file.Columns); len(missing) > 0 {
		return BatchResult{}, &StructuralError{Kind: kind, MissingColumns: missing}
	}

	// One timestamp for the whole batch: every row committed here becomes
	// visible to a delta query with since = now, with no row silently
	// falling on the wrong side of the cursor.
	now := s.now().UTC()

	batch, err := s.repo.Begin(ctx)
	if err != nil {
		return storageFault(kind, err), nil
	}
	defer func() {
		_ = batch.Rollback(ctx)
	}()

	result := BatchResult{Success: true, EntityType: kind}

	for i, raw := range file.Rows {
		rowNum := i + 1

		typed, issues := schema.Coerce(desc, raw)
		if len(issues) > 0 {
			result.Errors = append(result.Errors, RowIssue{Row: rowNum, Message: joinIssues(issues)})
			continue
		}

		record, err := buildRecord(kind, typed)
		if err != nil {
			result.Errors = append(result.Errors, RowIssue{Row: rowNum, Message: err.Error()})
			continue
		}

		created, err := s.reconcile(ctx, batch, record, now)
		if err != nil {
			// A failed statement poisons the transaction; nothing from
			// this batch can be kept.
			return storageFault(kind, err), nil
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return storageFault(kind, err), nil
	}

	actor := "system"
	if audit, ok := requesttrace.FromContext(ctx); ok && audit.KeyName != "" {
		actor = audit.KeyName
	}
	s.logger.Info("csv batch processed",
		zap.String("entity_type", string(kind)),
		zap.String("actor", actor),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("rejected", len(result.Errors)),
	)

	return result, nil
}

// reconcile applies the create-or-merge decision for one validated record.
//
// On update every caller-supplied field is overwritten, including nil
// optionals; only FirstSeenDateTime survives from the stored record and
// LastSeenDateTime is restamped to the batch timestamp. That full
// overwrite mirrors the upstream contract deliberately: re-submitting a
// file with blanked optional columns blanks those fields. The source
// system's dateLastModified never influences the decision.
func (s *service) reconcile(ctx context.Context, batch repo.Batch, record persistence.Record, now time.Time) (bool, error) {
	env := record.Env()

	existing, err := batch.Find(ctx, record.Kind(), env.SourcedID)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			env.FirstSeenAt = now
			env.LastSeenAt = now
			return true, batch.Insert(ctx, record)
		}
		return false, err
	}

	env.FirstSeenAt = existing.Env().FirstSeenAt
	env.LastSeenAt = now
	return false, batch.Update(ctx, record)
}

func (s *service) List(ctx context.Context, kind persistence.Kind, opts ListOptions) (Page, error) {
	total, err := s.repo.Count(ctx, kind, nil)
	if err != nil {
		return Page{}, err
	}

	records, err := s.repo.List(ctx, kind, persistence.ListParams{
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return Page{}, err
	}

	return Page{Data: viewsOf(records), Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

func (s *service) Delta(ctx context.Context, kind persistence.Kind, opts DeltaOptions) (Page, error) {
	total, err := s.repo.Count(ctx, kind, opts.Since)
	if err != nil {
		return Page{}, err
	}

	records, err := s.repo.List(ctx, kind, persistence.ListParams{
		Since:       opts.Since,
		NewestFirst: true,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
	if err != nil {
		return Page{}, err
	}

	return Page{Data: viewsOf(records), Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

func (s *service) Get(ctx context.Context, kind persistence.Kind, sourcedID string) (any, error) {
	record, err := s.repo.Get(ctx, kind, sourcedID)
	if err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return viewOf(record), nil
}

func storageFault(kind persistence.Kind, err error) BatchResult {
	return BatchResult{
		Success:    false,
		EntityType: kind,
		Fault:      err.Error(),
	}
}

func joinIssues(issues []schema.FieldIssue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

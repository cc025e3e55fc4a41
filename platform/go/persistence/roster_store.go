package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/edconnect-jp/roster-bridge/database"
)

// ErrRecordNotFound indicates no record exists for the requested sourcedId.
var ErrRecordNotFound = errors.New("roster record not found")

// tableFor maps each entity kind to its backing table.
var tableFor = map[Kind]string{
	KindAcademicSession: "academic_sessions",
	KindOrg:             "orgs",
	KindUser:            "roster_users",
}

// dbConn is the subset of pgx operations shared by pools and transactions.
type dbConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RosterStore persists the three roster entity tables and serves the
// provenance-filtered reads behind the delta API.
type RosterStore struct {
	pool *pgxpool.Pool
}

// ListParams controls the roster read queries. A nil Since lists
// everything; NewestFirst orders by last_seen_at descending (delta
// semantics); nil Limit/Offset leave that dimension unbounded.
type ListParams struct {
	Since       *time.Time
	NewestFirst bool
	Limit       *int
	Offset      *int
}

// NewRosterStore ensures the backing tables exist and returns a store instance.
func NewRosterStore(ctx context.Context, pool *pgxpool.Pool) (*RosterStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}

	store := &RosterStore{pool: pool}
	if err := store.ensureTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Get fetches a single record by sourcedId.
func (s *RosterStore) Get(ctx context.Context, kind Kind, sourcedID string) (Record, error) {
	return findRecord(ctx, s.pool, kind, sourcedID, false)
}

// Count returns the number of records whose last_seen_at is at or after
// since; a nil since counts the whole table.
func (s *RosterStore) Count(ctx context.Context, kind Kind, since *time.Time) (int64, error) {
	table, err := tableName(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	args := []any{}
	if since != nil {
		query += ` WHERE last_seen_at >= $1`
		args = append(args, *since)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return total, nil
}

// List returns records matching the params. Ordering among equal
// last_seen_at values is whatever Postgres yields; callers must not rely
// on a specific tie-break.
func (s *RosterStore) List(ctx context.Context, kind Kind, params ListParams) ([]Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM %s`, columnsFor(kind), table)

	args := []any{}
	if params.Since != nil {
		args = append(args, *params.Since)
		fmt.Fprintf(&sb, ` WHERE last_seen_at >= $%d`, len(args))
	}
	if params.NewestFirst {
		sb.WriteString(` ORDER BY last_seen_at DESC`)
	}
	if params.Limit != nil {
		args = append(args, *params.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	if params.Offset != nil {
		args = append(args, *params.Offset)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Begin opens a batch transaction for one file's reconciliations.
func (s *RosterStore) Begin(ctx context.Context) (*RosterBatch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin roster batch: %w", err)
	}
	return &RosterBatch{tx: tx}, nil
}

// RosterBatch wraps one transaction covering a whole submitted file.
// All row reconciliations become visible together at Commit; Rollback is
// safe to call after Commit (it becomes a no-op).
type RosterBatch struct {
	tx pgx.Tx
}

// Find looks up an existing record inside the batch, locking the row so a
// concurrent batch touching the same sourcedId serializes behind it.
func (b *RosterBatch) Find(ctx context.Context, kind Kind, sourcedID string) (Record, error) {
	return findRecord(ctx, b.tx, kind, sourcedID, true)
}

// Insert persists a brand-new record.
func (b *RosterBatch) Insert(ctx context.Context, record Record) error {
	table, err := tableName(record.Kind())
	if err != nil {
		return err
	}

	cols := columnsFor(record.Kind())
	args := recordArgs(record)
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, cols, strings.Join(placeholders, ", "))
	if _, err := b.tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// Update overwrites every column of an existing record.
func (b *RosterBatch) Update(ctx context.Context, record Record) error {
	table, err := tableName(record.Kind())
	if err != nil {
		return err
	}

	cols := strings.Split(columnsFor(record.Kind()), ", ")
	args := recordArgs(record)

	assignments := make([]string, 0, len(cols)-1)
	for i, col := range cols[1:] { // sourced_id stays put
		assignments = append(assignments, fmt.Sprintf("%s = $%d", col, i+2))
	}

	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE sourced_id = $1`, table, strings.Join(assignments, ", "))
	tag, err := b.tx.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Commit makes the batch's reconciliations visible.
func (b *RosterBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit roster batch: %w", err)
	}
	return nil
}

// Rollback abandons the batch; a no-op once committed.
func (b *RosterBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func tableName(kind Kind) (string, error) {
	table, ok := tableFor[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return table, nil
}

func columnsFor(kind Kind) string {
	switch kind {
	case KindAcademicSession:
		return "sourced_id, status, date_last_modified, title, type, start_date, end_date, parent, school_year, first_seen_at, last_seen_at"
	case KindOrg:
		return "sourced_id, status, date_last_modified, name, type, identifier, parent, first_seen_at, last_seen_at"
	case KindUser:
		return "sourced_id, status, date_last_modified, enabled_user, username, given_name, family_name, email, sms, phone, first_seen_at, last_seen_at"
	}
	return ""
}

func recordArgs(record Record) []any {
	env := record.Env()
	switch rec := record.(type) {
	case *AcademicSession:
		return []any{env.SourcedID, env.Status, env.DateLastModified, rec.Title, rec.Type, rec.StartDate, rec.EndDate, rec.Parent, rec.SchoolYear, env.FirstSeenAt, env.LastSeenAt}
	case *Org:
		return []any{env.SourcedID, env.Status, env.DateLastModified, rec.Name, rec.Type, rec.Identifier, rec.Parent, env.FirstSeenAt, env.LastSeenAt}
	case *RosterUser:
		return []any{env.SourcedID, env.Status, env.DateLastModified, rec.EnabledUser, rec.Username, rec.GivenName, rec.FamilyName, rec.Email, rec.SMS, rec.Phone, env.FirstSeenAt, env.LastSeenAt}
	}
	return nil
}

func findRecord(ctx context.Context, conn dbConn, kind Kind, sourcedID string, forUpdate bool) (Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE sourced_id = $1`, columnsFor(kind), table)
	if forUpdate {
		query += ` FOR UPDATE`
	}

	record, err := scanRecord(kind, conn.QueryRow(ctx, query, sourcedID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("find in %s: %w", table, err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, scanner rowScanner) (Record, error) {
	switch kind {
	case KindAcademicSession:
		rec := &AcademicSession{}
		err := scanner.Scan(&rec.SourcedID, &rec.Status, &rec.DateLastModified, &rec.Title, &rec.Type, &rec.StartDate, &rec.EndDate, &rec.Parent, &rec.SchoolYear, &rec.FirstSeenAt, &rec.LastSeenAt)
		return rec, err
	case KindOrg:
		rec := &Org{}
		err := scanner.Scan(&rec.SourcedID, &rec.Status, &rec.DateLastModified, &rec.Name, &rec.Type, &rec.Identifier, &rec.Parent, &rec.FirstSeenAt, &rec.LastSeenAt)
		return rec, err
	case KindUser:
		rec := &RosterUser{}
		err := scanner.Scan(&rec.SourcedID, &rec.Status, &rec.DateLastModified, &rec.EnabledUser, &rec.Username, &rec.GivenName, &rec.FamilyName, &rec.Email, &rec.SMS, &rec.Phone, &rec.FirstSeenAt, &rec.LastSeenAt)
		return rec, err
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// ensureTables applies the embedded roster DDL. Every statement is
// idempotent, so re-running on startup is safe.
func (s *RosterStore) ensureTables(ctx context.Context) error {
	var statements []string
	statements = append(statements, splitStatements(sqlassets.AcademicSessionsSQL)...)
	statements = append(statements, splitStatements(sqlassets.OrgsSQL)...)
	statements = append(statements, splitStatements(sqlassets.RosterUsersSQL)...)

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure roster tables: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	raw := strings.Split(ddl, ";")
	statements := make([]string, 0, len(raw))
	for _, stmt := range raw {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}

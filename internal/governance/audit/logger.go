// Package audit implements the append-only audit log.
//
// Audit entries are compliance records: hard-delete is NOT allowed, and
// every mutation recorded here is immutable once written.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/campaignforge/core/internal/ids"
	"github.com/campaignforge/core/internal/pkg/logger"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            string
	Actor         string
	EntityType    string
	EntityID      string
	Operation     string
	PreviousState json.RawMessage
	NewState      json.RawMessage
	Diff          json.RawMessage
	Reason        string
	Timestamp     time.Time
}

// Logger writes and queries audit records.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger creates a new audit Logger backed by pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Log records an auditable action. previousState, newState and diff may be
// nil (e.g. a creation has no previous state; a read-only action has
// neither).
func (l *Logger) Log(ctx context.Context, actor, entityType, entityID, operation string, previousState, newState, diff json.RawMessage, reason string) (*Entry, error) {
	entry := &Entry{
		ID:            ids.NewID(ids.PrefixAudit),
		Actor:         actor,
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     operation,
		PreviousState: previousState,
		NewState:      newState,
		Diff:          diff,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(id, actor, entity_type, entity_id, operation, previous_state, new_state, diff, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.Actor, entry.EntityType, entry.EntityID, entry.Operation,
		nullableJSON(entry.PreviousState), nullableJSON(entry.NewState), nullableJSON(entry.Diff),
		entry.Reason, entry.Timestamp,
	)
	if err != nil {
		logger.Error("failed to write audit entry",
			zap.String("operation", operation),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("audit: write entry: %w", err)
	}
	return entry, nil
}

// Cursor paginates Query results. An empty cursor starts from the most
// recent entry; the returned cursor is opaque and should be passed back
// verbatim for the next page.
type Cursor string

// QueryFilter restricts Query and Count to a subset of entries. Zero-value
// fields are unconstrained.
type QueryFilter struct {
	EntityType string
	EntityID   string
	Actor      string
	Since      time.Time
	Until      time.Time
}

// Query returns up to limit entries matching filter, newest first, along
// with the cursor to pass for the next page (empty when exhausted).
func (l *Logger) Query(ctx context.Context, filter QueryFilter, cursor Cursor, limit int) ([]*Entry, Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where, args := buildWhere(filter)
	arg := len(args) + 1
	if cursor != "" {
		recordedAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("audit: decode cursor: %w", err)
		}
		where = appendClause(where, fmt.Sprintf("(recorded_at, id) < ($%d, $%d)", arg, arg+1))
		args = append(args, recordedAt, id)
		arg += 2
	}

	query := fmt.Sprintf(`
		SELECT id, actor, entity_type, entity_id, operation, previous_state, new_state, diff, reason, recorded_at
		FROM audit_entries
		%s
		ORDER BY recorded_at DESC, id DESC
		LIMIT $%d`, where, arg)
	args = append(args, limit+1)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, "", err
	}

	var next Cursor
	if len(entries) > limit {
		last := entries[limit-1]
		next = encodeCursor(last.Timestamp, last.ID)
		entries = entries[:limit]
	}
	return entries, next, nil
}

// Count returns the number of entries matching filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`SELECT count(*) FROM audit_entries %s`, where)

	var count int64
	if err := l.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count entries: %w", err)
	}
	return count, nil
}

// ExportFormat selects the serialization Export produces.
type ExportFormat int

const (
	ExportJSON ExportFormat = iota
	ExportCSV
)

// Export streams every entry matching filter to w, newest first, in the
// given format. Export does not paginate internally — callers exporting
// very large ranges should narrow filter.Since/Until.
func (l *Logger) Export(ctx context.Context, w io.Writer, filter QueryFilter, format ExportFormat) error {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`
		SELECT id, actor, entity_type, entity_id, operation, previous_state, new_state, diff, reason, recorded_at
		FROM audit_entries
		%s
		ORDER BY recorded_at DESC, id DESC`, where)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("audit: export query: %w", err)
	}
	defer rows.Close()

	switch format {
	case ExportCSV:
		return exportCSV(rows, w)
	default:
		return exportJSON(rows, w)
	}
}

func exportJSON(rows pgx.Rows, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: export rows: %w", err)
	}
	return enc.Encode(entries)
}

func exportCSV(rows pgx.Rows, w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "actor", "entity_type", "entity_id", "operation", "reason", "recorded_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		record := []string{
			entry.ID, entry.Actor, entry.EntityType, entry.EntityID,
			entry.Operation, entry.Reason, entry.Timestamp.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: export rows: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows pgx.Rows) (*Entry, error) {
	var e Entry
	var previousState, newState, diff []byte
	if err := rows.Scan(&e.ID, &e.Actor, &e.EntityType, &e.EntityID, &e.Operation,
		&previousState, &newState, &diff, &e.Reason, &e.Timestamp); err != nil {
		return nil, fmt.Errorf("audit: scan entry: %w", err)
	}
	e.PreviousState = previousState
	e.NewState = newState
	e.Diff = diff
	return &e, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func buildWhere(filter QueryFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s $%d", clause, len(args)))
	}

	if filter.EntityType != "" {
		add("entity_type =", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id =", filter.EntityID)
	}
	if filter.Actor != "" {
		add("actor =", filter.Actor)
	}
	if !filter.Since.IsZero() {
		add("recorded_at >=", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("recorded_at <=", filter.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE "
	for i, c := range clauses {
		if i > 0 {
			where += " AND "
		}
		where += c
	}
	return where, args
}

func appendClause(where, clause string) string {
	if where == "" {
		return "WHERE " + clause
	}
	return where + " AND " + clause
}

func encodeCursor(recordedAt time.Time, id string) Cursor {
	return Cursor(fmt.Sprintf("%s|%s", recordedAt.Format(time.RFC3339Nano), id))
}

func decodeCursor(cursor Cursor) (time.Time, string, error) {
	s := string(cursor)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			ts, err := time.Parse(time.RFC3339Nano, s[:i])
			if err != nil {
				return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
			}
			return ts, s[i+1:], nil
		}
	}
	return time.Time{}, "", fmt.Errorf("malformed cursor")
}

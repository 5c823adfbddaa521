package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const selectColumns = "id, action, robot_id, operation, subject, source, outcome, details, created_at"

// ErrInvalidRetention is returned by Prune for a non-positive age.
var ErrInvalidRetention = errors.New("audit: retention must be positive")

// SQLiteRepository stores entries in the audit_logs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts log, filling ID and CreatedAt when they are empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()[:8]
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if len(log.Details) > 0 {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO audit_logs ("+selectColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		log.ID, log.Action, log.Robot,
		sql.NullString{String: log.Operation, Valid: log.Operation != ""},
		log.Subject, log.Source, log.Outcome, details,
		log.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log %s: %w", log.ID, err)
	}
	return nil
}

// where renders the filter as a parameterised WHERE clause.
func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Operation != "" {
		add("operation = ?", f.Operation)
	}
	if f.Subject != "" {
		add("subject = ?", f.Subject)
	}
	if f.Outcome != "" {
		add("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UTC().Format(timeLayout))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of matching entries, newest first. Entries written
// in the same microsecond keep their insertion order reversed.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter = filter.normalise()
	where, args := filter.where()

	var total int
	//nolint:gosec // where holds only placeholders
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	//nolint:gosec // where holds only placeholders
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM audit_logs"+where+" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}

	return &ListResult{Logs: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanLog(rows *sql.Rows) (AuditLog, error) {
	var (
		log       AuditLog
		operation sql.NullString
		details   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&log.ID, &log.Action, &log.Robot, &operation,
		&log.Subject, &log.Source, &log.Outcome, &details, &createdAt); err != nil {
		return AuditLog{}, fmt.Errorf("scanning audit log: %w", err)
	}
	log.Operation = operation.String

	// Undecodable details are dropped rather than hiding the whole entry.
	if details.Valid && details.String != "" {
		var m map[string]any
		if json.Unmarshal([]byte(details.String), &m) == nil {
			log.Details = m
		}
	}

	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return AuditLog{}, fmt.Errorf("audit log %s: bad created_at %q: %w", log.ID, createdAt, err)
		}
	}
	log.CreatedAt = ts
	return log, nil
}

// Prune deletes entries older than retention and reports how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	res, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	return n, nil
}

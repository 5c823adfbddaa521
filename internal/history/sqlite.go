package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayout is fixed width so created_at sorts lexically.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteRepository stores values as JSON text in attribute_history.
type SQLiteRepository struct {
	db       *sql.DB
	defLimit int
	maxLimit int
}

// NewSQLiteRepository creates a repository on an open, migrated database.
// Non-positive limits fall back to DefaultLimit and MaxLimit.
func NewSQLiteRepository(db *sql.DB, defaultLimit, maxLimit int) *SQLiteRepository {
	return &SQLiteRepository{db: db, defLimit: defaultLimit, maxLimit: maxLimit}
}

// Record inserts one value.
func (r *SQLiteRepository) Record(ctx context.Context, robot, attribute string, value any) error {
	if robot == "" {
		return ErrRobotRequired
	}
	if attribute == "" {
		return ErrAttributeRequired
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling %s value: %w", attribute, err)
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO attribute_history (robot_id, attribute, value, created_at) VALUES (?, ?, ?, ?)",
		robot, attribute, string(encoded), time.Now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting attribute history: %w", err)
	}
	return nil
}

// History returns the most recent values of an attribute, newest first.
func (r *SQLiteRepository) History(ctx context.Context, robot, attribute string, limit int) ([]Entry, error) {
	if robot == "" {
		return nil, ErrRobotRequired
	}
	if attribute == "" {
		return nil, ErrAttributeRequired
	}
	limit = ClampLimit(limit, r.defLimit, r.maxLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, robot_id, attribute, value, created_at
		 FROM attribute_history
		 WHERE robot_id = ? AND attribute = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		robot, attribute, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attribute history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var value, createdAt string
		if err := rows.Scan(&e.ID, &e.Robot, &e.Attribute, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning attribute history: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling %s value: %w", e.Attribute, err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attribute history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: prune age must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM attribute_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning attribute history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("history: created_at is empty")
	}
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("history: parsing created_at %q", value)
}

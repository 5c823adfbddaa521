package history

import (
	"context"
	"errors"
	"time"
)

// Limits for History queries.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	// ErrRobotRequired is returned when the robot id is empty.
	ErrRobotRequired = errors.New("history: robot id is required")

	// ErrAttributeRequired is returned when the attribute name is empty.
	ErrAttributeRequired = errors.New("history: attribute is required")
)

// Entry is one recorded attribute value.
type Entry struct {
	ID        int64     `json:"id"`
	Robot     string    `json:"robot"`
	Attribute string    `json:"attribute"`
	Value     any       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores and queries attribute history.
type Repository interface {
	Record(ctx context.Context, robot, attribute string, value any) error
	History(ctx context.Context, robot, attribute string, limit int) ([]Entry, error)
}

// ClampLimit applies the default and maximum to a requested limit.
func ClampLimit(limit, def, max int) int {
	if def <= 0 {
		def = DefaultLimit
	}
	if max <= 0 {
		max = MaxLimit
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// Package audit records who asked the robot to do what through the HTTP API.
//
// Every request accepted by POST /api/v1/requests and every token minted by
// POST /api/v1/auth/token leaves one row in audit_logs. The MQTT request
// topic carries no caller identity and is not audited.
package audit

import (
	"context"
	"time"
)

// Actions.
const (
	ActionRequest = "request"
	ActionToken   = "token"
)

// Outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
)

// Page size limits for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// AuditLog is one audit entry. Details holds action-specific data such as
// request parameters, a task handle or the role of a minted token.
type AuditLog struct { //nolint:revive // audit.Log reads worse at call sites
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Robot     string         `json:"robot"`
	Operation string         `json:"operation,omitempty"`
	Subject   string         `json:"subject"`
	Source    string         `json:"source"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects entries for List. Zero fields match everything.
type Filter struct {
	Action    string
	Operation string
	Subject   string
	Outcome   string
	Since     time.Time

	Limit  int // DefaultLimit when 0, capped at MaxLimit
	Offset int
}

// normalise applies the page defaults and bounds.
func (f Filter) normalise() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ListResult is one page of entries plus the total matching count.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/robotlink/internal/operation"
)

// UpdateVersion is the SetAttribute message version this server reads.
const UpdateVersion = 1

// SetAttribute is a controller-initiated update written to client_update:
//
//	{"v":1,"set":"progress","fields":{"handle":3,"message":"halfway"}}
type SetAttribute struct {
	Version int            `json:"v"`
	Name    string         `json:"set"`
	Fields  map[string]any `json:"fields"`
}

// ParseUpdate decodes a SetAttribute message. A missing version is read as
// UpdateVersion.
func ParseUpdate(raw string) (SetAttribute, error) {
	var msg SetAttribute
	if strings.TrimSpace(raw) == "" {
		return msg, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	if msg.Version == 0 {
		msg.Version = UpdateVersion
	}
	if msg.Version != UpdateVersion {
		return msg, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, msg.Version)
	}
	if msg.Name == "" {
		return msg, fmt.Errorf("%w: missing set", ErrMalformedUpdate)
	}
	if msg.Fields == nil {
		msg.Fields = map[string]any{}
	}
	return msg, nil
}

// UpdateFunc handles the fields of one SetAttribute update.
type UpdateFunc func(fields map[string]any) error

type updateHandler struct {
	schema operation.ParamSchema
	fn     UpdateFunc
}

// UpdateRouter dispatches SetAttribute updates to handlers by name.
// Failures are logged and returned but never fatal to the caller.
type UpdateRouter struct {
	mu       sync.RWMutex
	handlers map[string]updateHandler
	logger   Logger
}

// NewUpdateRouter creates an empty router.
func NewUpdateRouter() *UpdateRouter {
	return &UpdateRouter{handlers: make(map[string]updateHandler), logger: noopLogger{}}
}

// SetLogger sets the logger for the router.
func (u *UpdateRouter) SetLogger(logger Logger) {
	u.logger = logger
}

// Register installs fn for updates named name. Fields are validated
// against schema first. A later registration replaces an earlier one.
func (u *UpdateRouter) Register(name string, schema operation.ParamSchema, fn UpdateFunc) error {
	if name == "" || fn == nil {
		return errors.New("device: update handler needs a name and a function")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[name] = updateHandler{schema: schema, fn: fn}
	return nil
}

// Names returns the registered update names, sorted.
func (u *UpdateRouter) Names() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	names := make([]string, 0, len(u.handlers))
	for n := range u.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle parses raw and runs the matching handler.
func (u *UpdateRouter) Handle(raw string) error {
	msg, err := ParseUpdate(raw)
	if err != nil {
		u.logger.Error("invalid update message", "raw", raw, "error", err)
		return err
	}

	u.mu.RLock()
	h, ok := u.handlers[msg.Name]
	u.mu.RUnlock()
	if !ok {
		u.logger.Warn("unhandled robot update", "set", msg.Name)
		return fmt.Errorf("%w: %q", ErrUnrecognizedUpdate, msg.Name)
	}

	if err := h.schema.Validate(msg.Fields); err != nil {
		u.logger.Error("invalid fields for update", "set", msg.Name, "fields", msg.Fields, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrInvalidUpdateFields, msg.Name, err)
	}
	if err := h.fn(msg.Fields); err != nil {
		u.logger.Error("update handler failed", "set", msg.Name, "error", err)
		return fmt.Errorf("handling update %s: %w", msg.Name, err)
	}
	u.logger.Debug("robot update handled", "set", msg.Name)
	return nil
}

// HandleValue adapts Handle to the value of the client_update attribute.
func (u *UpdateRouter) HandleValue(value any) error {
	return u.Handle(toString(value))
}

package operation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// Kind selects how the dispatcher runs an operation.
type Kind int

// Operation kinds.
const (
	// Query runs inline and answers synchronously.
	Query Kind = iota + 1

	// Background runs on its own goroutine without touching the ExclusionGate.
	Background

	// Foreground runs on its own goroutine while holding the ExclusionGate.
	Foreground
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// QueryFunc answers a query synchronously.
type QueryFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Progress reports an intermediate message for the running operation.
type Progress func(message string)

// TaskFunc runs a background or foreground operation. The returned message
// becomes the End event's message.
type TaskFunc func(ctx context.Context, h protocol.Handle, params map[string]any, progress Progress) (string, error)

// Descriptor is the tagged handler record for one operation.
type Descriptor struct {
	Name   string
	Kind   Kind
	Params ParamSchema
	Query  QueryFunc
	Task   TaskFunc
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	switch d.Kind {
	case Query:
		if d.Query == nil || d.Task != nil {
			return fmt.Errorf("%w: %s must have only a query handler", ErrInvalidDescriptor, d.Name)
		}
	case Background, Foreground:
		if d.Task == nil || d.Query != nil {
			return fmt.Errorf("%w: %s must have only a task handler", ErrInvalidDescriptor, d.Name)
		}
	default:
		return fmt.Errorf("%w: %s has unknown kind %v", ErrInvalidDescriptor, d.Name, d.Kind)
	}
	return nil
}

// Registry maps operation names to descriptors.
// It is populated at startup and read concurrently afterwards.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Descriptor
}

// NewRegistry creates an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*Descriptor)}
}

// Register adds a descriptor. It fails with ErrDuplicateOperation if the name
// is taken.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, d.Name)
	}
	desc := d
	desc.Params = append(ParamSchema(nil), d.Params...)
	r.ops[d.Name] = &desc
	return nil
}

// RegisterQuery registers a query operation.
func (r *Registry) RegisterQuery(name string, params ParamSchema, fn QueryFunc) error {
	return r.Register(Descriptor{Name: name, Kind: Query, Params: params, Query: fn})
}

// RegisterTask registers a background or foreground operation.
func (r *Registry) RegisterTask(name string, kind Kind, params ParamSchema, fn TaskFunc) error {
	return r.Register(Descriptor{Name: name, Kind: kind, Params: params, Task: fn})
}

// Lookup returns the descriptor for name, or ErrUnknownOperation.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return d, nil
}

// Names returns all registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package operation

import (
	"sync"

	"github.com/nerrad567/robotlink/internal/protocol"
)

// HandleRegistry issues operation handles: 1, 2, 3, ... with no gaps.
type HandleRegistry struct {
	mu   sync.Mutex
	last protocol.Handle
}

// NewHandleRegistry creates a registry whose first handle is 1.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{}
}

// Next returns the next handle. Safe for concurrent use.
func (r *HandleRegistry) Next() protocol.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	return r.last
}

// Last returns the most recently issued handle, or 0 if none.
func (r *HandleRegistry) Last() protocol.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

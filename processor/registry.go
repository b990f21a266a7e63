package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pipelined.dev/engine/nodedesc"
)

// ErrUnknownType is returned when no kernel is registered for the type.
var ErrUnknownType = errors.New("unknown processor type")

// Constructor creates kernel for node description.
type Constructor func(desc nodedesc.Node) (Kernel, error)

// Registry maps processor types to kernel constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds constructor. Existing constructor of the same type is
// replaced.
func (r *Registry) Register(typ string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typ] = c
}

// Kernel creates kernel for provided description.
func (r *Registry) Kernel(desc nodedesc.Node) (Kernel, error) {
	r.mu.RLock()
	c, ok := r.constructors[desc.Processor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", desc.URI, desc.Processor, ErrUnknownType)
	}
	return c(desc)
}

// Types returns sorted list of registered types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

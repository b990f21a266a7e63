package engine

import (
	"fmt"
	"sort"
	"sync"

	"pipelined.dev/engine/processor"
)

// Registry indexes objects the realm has set up and must tear down. It's
// passed to the compiler explicitly, so programs only reference objects
// that are fully set up.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]*processor.Processor
	controls   map[string]*ControlValue
	children   map[string]*Realm
}

// NewRegistry returns empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]*processor.Processor),
		controls:   make(map[string]*ControlValue),
		children:   make(map[string]*Realm),
	}
}

func (r *Registry) addProcessor(p *processor.Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[p.ID()]; ok {
		return fmt.Errorf("processor %s: %w", p.ID(), ErrDuplicateNode)
	}
	r.processors[p.ID()] = p
	return nil
}

func (r *Registry) removeProcessor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, id)
}

// Processor returns processor by id.
func (r *Registry) Processor(id string) (*processor.Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[id]
	return p, ok
}

// Processors returns processors sorted by id.
func (r *Registry) Processors() []*processor.Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := make([]*processor.Processor, 0, len(r.processors))
	for _, p := range r.processors {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID() < ps[j].ID() })
	return ps
}

func (r *Registry) addControl(cv *ControlValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls[cv.Name()] = cv
}

func (r *Registry) removeControl(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controls, name)
}

// ControlValue returns control value by name.
func (r *Registry) ControlValue(name string) (*ControlValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cv, ok := r.controls[name]
	return cv, ok
}

func (r *Registry) addChild(c *Realm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.children[c.ID()]; ok {
		return fmt.Errorf("child realm %s: %w", c.ID(), ErrDuplicateNode)
	}
	r.children[c.ID()] = c
	return nil
}

func (r *Registry) removeChild(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, id)
}

// Child returns child realm by id.
func (r *Registry) Child(id string) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.children[id]
	return c, ok
}

// Children returns child realms sorted by id.
func (r *Registry) Children() []*Realm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs := make([]*Realm, 0, len(r.children))
	for _, c := range r.children {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID() < cs[j].ID() })
	return cs
}

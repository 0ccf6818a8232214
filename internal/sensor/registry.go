package sensor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps sensor ids to the source that drives them and their
// descriptive spec.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]registryEntry
}

type registryEntry struct {
	spec   Spec
	source Source
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ID]registryEntry)}
}

// Add registers a sensor. Adding an id twice is an error.
func (r *Registry) Add(spec Spec, source Source) error {
	if spec.ID == "" {
		return fmt.Errorf("sensor id is required")
	}
	if source == nil {
		return fmt.Errorf("sensor %s: source is required", spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.ID]; exists {
		return fmt.Errorf("sensor %s already registered", spec.ID)
	}
	r.entries[spec.ID] = registryEntry{spec: spec, source: source}
	return nil
}

// Source returns the source for id.
func (r *Registry) Source(id ID) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.source, ok
}

// Spec returns the spec for id. Unknown ids get a spec named after the id.
func (r *Registry) Spec(id ID) Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.spec
	}
	return Spec{ID: id, Name: string(id)}
}

// Specs lists every registered sensor sorted by id.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

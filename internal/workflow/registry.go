package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps workflow names to immutable definitions. Registration
// happens at init time; after startup the registry is effectively read-only.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// defaultRegistry is the process-wide registry phases packages register into.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register validates and adds a definition. It panics on an invalid
// definition or duplicate name so misconfiguration fails at startup, not
// mid-job.
func (r *Registry) Register(def *Definition) {
	if err := def.Validate(); err != nil {
		panic(fmt.Sprintf("workflow: register %q: %v", def.Name, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name]; exists {
		panic(fmt.Sprintf("workflow: %q already registered", def.Name))
	}
	r.definitions[def.Name] = def
}

// Get returns the named definition.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
	return def, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

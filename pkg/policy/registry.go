package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named policy sets. It is seeded with the built-in sets and
// is safe for concurrent use, so a file watcher can swap loaded sets while
// the scheduler reads them.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]ExecutionOptions
}

// NewRegistry creates a registry holding the built-in sets.
func NewRegistry() *Registry {
	return &Registry{sets: BuiltinSets()}
}

// Register adds or replaces a named set.
func (r *Registry) Register(name string, opts ExecutionOptions) error {
	if name == "" {
		return fmt.Errorf("policy set name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[name] = opts
	return nil
}

// Get returns the set registered under name.
func (r *Registry) Get(name string) (ExecutionOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	opts, ok := r.sets[name]
	if !ok {
		return ExecutionOptions{}, fmt.Errorf("policy set not found: %s", name)
	}
	return opts, nil
}

// Names returns the registered set names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace resets the registry to the built-in sets overlaid with sets.
// Loaded sets may shadow a built-in name.
func (r *Registry) Replace(sets map[string]ExecutionOptions) {
	next := BuiltinSets()
	for name, opts := range sets {
		next[name] = opts
	}

	r.mu.Lock()
	r.sets = next
	r.mu.Unlock()
}

package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named cluster executors. The configured executor is
// resolved once at startup; tests register stubs freely.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ClusterExecutor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ClusterExecutor)}
}

// Register adds an executor under the given name.
func (r *Registry) Register(name string, e ClusterExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// Resolve returns the executor registered under name.
func (r *Registry) Resolve(name string) (ClusterExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("executor %q is not registered", name)
	}
	return e, nil
}

// Names returns the registered executor names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

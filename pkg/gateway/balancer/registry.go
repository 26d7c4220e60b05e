package balancer

import (
	"sort"
	"sync"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
)

// Registry resolves target service names to their pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Register adds a pool under its name.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[p.Name()]; exists {
		return apperrors.AlreadyExists("pool", "name", p.Name())
	}
	r.pools[p.Name()] = p
	return nil
}

// Get returns the pool for a service name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Remove unregisters and closes the named pool.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	p, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if ok {
		p.Close()
	}
	return ok
}

// Names lists registered pools sorted by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered pool and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Close()
	}
	r.pools = make(map[string]*Pool)
}

package runner

import (
	"fmt"
	"sync"
)

// Registry is the set of all runners currently known to the process.
// It is the single shared mutable resource of the core: one registry
// instance is owned by the orchestration service and injected into
// every component that needs it.
//
// The lock guards only the map.  Callers must never invoke blocking
// I/O (container runtime, CI platform API) while holding it; they
// take a snapshot via List or Get and operate on that.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Add inserts a runner.  IDs are unique; inserting a duplicate is an
// error.
func (reg *Registry) Add(r *Runner) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.runners[r.ID]; exists {
		return fmt.Errorf("runner %s already registered", r.ID)
	}
	reg.runners[r.ID] = r
	return nil
}

// Get returns the runner with the given id.
func (reg *Registry) Get(id string) (*Runner, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runners[id]
	return r, ok
}

// Remove deletes the runner with the given id and returns it.
func (reg *Registry) Remove(id string) (*Runner, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.runners[id]
	if ok {
		delete(reg.runners, id)
	}
	return r, ok
}

// List returns a snapshot of all registered runners.
func (reg *Registry) List() []*Runner {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Runner, 0, len(reg.runners))
	for _, r := range reg.runners {
		out = append(out, r)
	}
	return out
}

// Len returns the number of registered runners.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.runners)
}

// CountActiveForScope returns how many runners bound to the given
// scope name count toward its supply: active ones plus those still
// being provisioned.  Runners on their way out do not count, so
// scale-up can replace them.
func (reg *Registry) CountActiveForScope(scopeName string) int {
	snapshot := reg.List()
	count := 0
	for _, r := range snapshot {
		if r.ScopeName != scopeName {
			continue
		}
		switch r.State() {
		case StateStopping, StateStopped, StateError:
		default:
			count++
		}
	}
	return count
}

package breaker

import (
	"sort"
	"sync"
)

// Registry manages one breaker per (credential, operation) pair.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry whose breakers inherit defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Key builds the registry key for a credential and operation.
func Key(credentialID, operation string) string {
	return credentialID + ":" + operation
}

// Get returns the breaker for a credential/operation pair, creating
// it on first use.
func (r *Registry) Get(credentialID, operation string) *Breaker {
	name := Key(credentialID, operation)

	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}

	config := r.defaults
	config.Name = name
	b = New(config)
	r.breakers[name] = b
	return b
}

// Snapshots returns statistics for all breakers, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// OpenCircuits returns the names of all breakers currently open.
func (r *Registry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for name, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}

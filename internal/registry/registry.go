// Package registry holds registered adapters with their capability
// descriptors and answers discovery queries. Registration is rare and
// write-locked; lookups read immutable descriptor snapshots.
package registry

import (
	"sort"
	"sync"

	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

// Entry pairs an adapter with its current descriptor snapshot.
type Entry[T any] struct {
	Adapter    T
	Descriptor models.CapabilityDescriptor
}

// Registry maps names to adapters. T is the adapter contract (AI provider
// or git platform); the registry itself never calls into adapters.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// New constructs an empty registry. One registry is built at process
// start and handed to the façade; there is no package-level instance.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]Entry[T])}
}

// Register adds an adapter under name. Re-registering an existing name
// fails rather than silently overwriting, so a live request can never be
// routed to the wrong adapter mid-swap.
func (r *Registry[T]) Register(name string, adapter T, desc models.CapabilityDescriptor) error {
	if err := desc.Validate(); err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "descriptor for %q: %v", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fault.New(fault.DuplicateRegistration, "%q is already registered", name)
	}
	r.entries[name] = Entry[T]{Adapter: adapter, Descriptor: desc.Clone()}
	return nil
}

// Get returns the adapter and descriptor snapshot for name.
func (r *Registry[T]) Get(name string) (Entry[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry[T]{}, fault.New(fault.NotRegistered, "%q is not registered", name)
	}
	e.Descriptor = e.Descriptor.Clone()
	return e, nil
}

// Names returns all registered names, sorted for stable output.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByCapability returns the names whose descriptor has the given flag
// set, sorted. Unknown flags match nothing.
func (r *Registry[T]) ListByCapability(flag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.Descriptor.Has(flag) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RefreshDescriptor atomically swaps the descriptor for name. Calls that
// already captured the old descriptor keep it; descriptors are snapshots,
// not live references.
func (r *Registry[T]) RefreshDescriptor(name string, desc models.CapabilityDescriptor) error {
	if err := desc.Validate(); err != nil {
		return fault.Wrap(fault.InvalidConfig, err, "descriptor for %q: %v", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fault.New(fault.NotRegistered, "%q is not registered", name)
	}
	e.Descriptor = desc.Clone()
	r.entries[name] = e
	return nil
}

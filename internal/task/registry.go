package task

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Factory builds a task from a request. It validates parameters and returns
// a *ValidationError before doing anything else.
type Factory func(req Request) (Task, error)

// KeyFunc derives the resource key of a request whose factory succeeded.
type KeyFunc func(req Request) string

type Registration struct {
	New     Factory
	Key     KeyFunc
	Timeout time.Duration
}

func (r Registration) ResourceKey(req Request) string {
	if r.Key == nil {
		return GlobalKey
	}
	if k := r.Key(req); k != "" {
		return k
	}
	return GlobalKey
}

// Registry maps task type names to registrations. It is filled once at
// startup and sealed; lookups after Seal take no lock.
type Registry struct {
	mu      sync.RWMutex
	sealed  atomic.Bool
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func (r *Registry) Register(typeName string, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, exists := r.entries[typeName]; exists {
		return &DuplicateTypeError{Type: typeName}
	}
	r.entries[typeName] = reg
	return nil
}

// Seal ends registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) Lookup(typeName string) (Registration, error) {
	if r.sealed.Load() {
		return r.lookup(typeName)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(typeName)
}

func (r *Registry) lookup(typeName string) (Registration, error) {
	reg, ok := r.entries[typeName]
	if !ok {
		return Registration{}, &UnknownTaskTypeError{Type: typeName}
	}
	return reg, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

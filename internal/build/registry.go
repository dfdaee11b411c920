package build

import (
	"sync"

	"github.com/rsepassi/rebuild-go/internal/logger"
)

// Descriptor is what the Registry maps a target name to: a handle the
// RecipeProvider understands for invoking that target's body.
type Descriptor struct {
	Name           string
	BodyIdentifier string
}

// Registry maps target names to Descriptors. It is populated once by a
// RecipeProvider's RegisterTargets before any recipe runs, then read-only.
// The core scheduler drives the registry from a single goroutine, but the
// mutex keeps this type safe if a future caller drives it concurrently (see
// spec's upgrade-path-to-parallelism design note).
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Descriptor)}
}

// Register inserts or replaces the descriptor for name, logging a warning
// on replace.
func (r *Registry) Register(name, bodyIdentifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[name]; exists {
		logger.Warn("target redefined", "target", name)
	}
	r.targets[name] = Descriptor{Name: name, BodyIdentifier: bodyIdentifier}
}

// Get returns the descriptor for name, if any.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.targets[name]
	return d, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[name]
	return ok
}

// List returns all registered target names, in unspecified order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	return names
}

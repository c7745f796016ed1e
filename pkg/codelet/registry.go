package codelet

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh codelet instance for one execution attempt.
type Factory func() Codelet

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: make(map[string]Factory),
}

// Register binds a codelet identifier to its factory. Identifiers are
// process-wide; registering the same identifier twice is an error.
func Register(id string, f Factory) error {
	if id == "" {
		return &ValidationError{What: "codelet identifier", Reason: "must not be empty"}
	}
	if f == nil {
		return &ValidationError{What: "codelet factory", Reason: "must not be nil"}
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.factories[id]; ok {
		return fmt.Errorf("codelet %q already registered", id)
	}
	registry.factories[id] = f
	return nil
}

// MustRegister is Register for program startup, panicking on error.
func MustRegister(id string, f Factory) {
	if err := Register(id, f); err != nil {
		panic(err)
	}
}

// Resolve instantiates the codelet registered under id. Unknown identifiers
// yield a ResolutionError.
func Resolve(id string) (Codelet, error) {
	registry.mu.RLock()
	f, ok := registry.factories[id]
	registry.mu.RUnlock()

	if !ok {
		return nil, &ResolutionError{ID: id}
	}
	c := f()
	if c == nil {
		return nil, &ResolutionError{ID: id}
	}
	return c, nil
}

// Registered returns the sorted identifiers currently known to the registry.
func Registered() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	ids := make([]string, 0, len(registry.factories))
	for id := range registry.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the available provider drivers.
type Registry struct {
	// mu protects the driver map.
	mu sync.RWMutex

	drivers map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
	}
}

// Register adds a driver. Registering the same name twice is an error.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if name == "" {
		return fmt.Errorf("driver name is empty")
	}
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.drivers[name] = d
	return nil
}

// Get retrieves a driver by name.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.drivers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return d, nil
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

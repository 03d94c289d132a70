package notify

import (
	"sort"
	"sync"
)

// Registry is a map-based set of alert sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Alerter
}

func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]Alerter),
	}
}

// Register adds a, keyed by its sink name. A later registration replaces an
// earlier one with the same name.
func (r *Registry) Register(a Alerter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[a.Sink()] = a
}

func (r *Registry) Get(sink string) (Alerter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sinks[sink]
	return a, ok
}

// Names returns the registered sink names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

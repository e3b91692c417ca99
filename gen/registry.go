package gen

import (
	"sort"
	"strings"
	"sync"
)

// Registry is a thread-safe model-to-adapter lookup table built at startup.
// It supports exact model names and model-name prefixes; prefixes cover
// provider families where every model sharing a prefix routes to the same
// adapter, which forwards the literal model string upstream.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Adapter
	prefixes map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]Adapter),
		prefixes: make(map[string]Adapter),
	}
}

// Register routes an exact model name to an adapter. An existing route for
// the same name is replaced.
func (r *Registry) Register(model string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[model] = a
}

// RegisterPrefix routes every model starting with prefix to an adapter.
func (r *Registry) RegisterPrefix(prefix string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = a
}

// Resolve maps a requested model identifier to its adapter. Exact routes win
// over prefixes; among prefixes the longest match wins. Unknown models fail
// with ErrUnsupportedModel.
func (r *Registry) Resolve(model string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.exact[model]; ok {
		return a, nil
	}

	var best string
	var bestAdapter Adapter
	for prefix, a := range r.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			bestAdapter = a
		}
	}
	if bestAdapter != nil {
		return bestAdapter, nil
	}

	return nil, NewError(ErrUnsupportedModel, "", "no adapter registered for model "+model)
}

// Models returns the sorted exact model names and prefixes, for diagnostics.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.exact)+len(r.prefixes))
	for m := range r.exact {
		names = append(names, m)
	}
	for p := range r.prefixes {
		names = append(names, p+"*")
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered routes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exact) + len(r.prefixes)
}

package provider

import "sync"

// Registry maps service names to adapters. Populated once at startup, then
// read-only; the lock only guards against sloppy late registration.
type Registry struct {
	mu          sync.RWMutex
	completions map[string]Completion
	fetchers    map[string]Fetcher
	fallbacks   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		completions: make(map[string]Completion),
		fetchers:    make(map[string]Fetcher),
		fallbacks:   make(map[string]string),
	}
}

// RegisterCompletion adds a completion adapter under its name.
func (r *Registry) RegisterCompletion(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions[c.Name()] = c
}

// RegisterFetcher adds a fetch adapter under its name.
func (r *Registry) RegisterFetcher(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.Name()] = f
}

// SetFallback declares the cheaper/faster alternative tried when service
// hits a rate or quota condition.
func (r *Registry) SetFallback(service, fallback string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[service] = fallback
}

// Completion returns the named completion adapter, or nil.
func (r *Registry) Completion(name string) Completion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completions[name]
}

// Fetcher returns the named fetch adapter, or nil.
func (r *Registry) Fetcher(name string) Fetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchers[name]
}

// Fallback returns the completion adapter configured as fallback for
// service, or nil when none is.
func (r *Registry) Fallback(service string) Completion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.fallbacks[service]
	if !ok {
		return nil
	}
	return r.completions[name]
}

// FallbackName returns the configured fallback service name, or "".
func (r *Registry) FallbackName(service string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacks[service]
}

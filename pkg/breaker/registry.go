package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Registry is a named-instance factory: one breaker per external dependency,
// created on first lookup and shared afterwards.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	defaults Config
	logger   log.Logger
	sink     EventSink
	now      func() time.Time
}

// RegistryOption customizes a registry.
type RegistryOption func(*Registry)

// WithRegistrySink wires the event sink passed to every created breaker.
func WithRegistrySink(sink EventSink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithRegistryClock overrides the clock passed to every created breaker.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. defaults applies to breakers created
// without an explicit config.
func NewRegistry(defaults Config, logger log.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker registered under name, creating it on first
// lookup. A config passed on a later call for an existing name is ignored:
// the first instance wins.
func (r *Registry) Get(name string, cfg ...Config) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	c := r.defaults
	if len(cfg) > 0 {
		c = cfg[0]
	}

	var opts []Option
	if r.sink != nil {
		opts = append(opts, WithEventSink(r.sink))
	}
	if r.now != nil {
		opts = append(opts, WithClock(r.now))
	}

	cb = New(name, c, r.logger, opts...)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker registered under name without creating one.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	return cb, ok
}

// Wrap returns a drop-in replacement for op protected by the breaker
// registered under name.
func (r *Registry) Wrap(name string, op Operation, cfg ...Config) Operation {
	cb := r.Get(name, cfg...)
	return func(ctx context.Context) (any, error) {
		return cb.Execute(ctx, op)
	}
}

// Remove deletes a breaker from the registry. In-flight calls on the removed
// instance complete normally.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns stats for every registered breaker, ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// PruneAll prunes stale call history on every breaker and returns the total
// number of dropped records. Called by the cron sweep.
func (r *Registry) PruneAll() int {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	total := 0
	for _, cb := range breakers {
		total += cb.PruneHistory()
	}
	return total
}

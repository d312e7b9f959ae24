package agent

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownAgent is returned by [Registry.Get] for names not in the table.
var ErrUnknownAgent = errors.New("agent: unknown agent")

// Factory builds the agent described by Descriptor.
type Factory struct {
	Descriptor Descriptor
	New        func() (Agent, error)
}

// Registry is a static table of agent factories with a per-name instance
// cache. It is safe for concurrent use.
type Registry struct {
	order     []string
	factories map[string]Factory

	mu        sync.Mutex
	instances map[string]Agent
}

// NewRegistry builds a registry from factories. Names must be unique and
// non-empty, and every factory needs a New function.
func NewRegistry(factories ...Factory) (*Registry, error) {
	if len(factories) == 0 {
		return nil, fmt.Errorf("agent: registry needs at least one factory")
	}
	r := &Registry{
		factories: make(map[string]Factory, len(factories)),
		instances: make(map[string]Agent, len(factories)),
	}
	for i, f := range factories {
		name := f.Descriptor.Name
		switch {
		case name == "":
			return nil, fmt.Errorf("agent: factory %d: name must not be empty", i)
		case f.New == nil:
			return nil, fmt.Errorf("agent: factory %q: New must not be nil", name)
		}
		if _, dup := r.factories[name]; dup {
			return nil, fmt.Errorf("agent: duplicate agent name %q", name)
		}
		r.factories[name] = f
		r.order = append(r.order, name)
	}
	return r, nil
}

// Names returns the agent names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.factories[name].Descriptor)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	f, ok := r.factories[name]
	return f.Descriptor, ok
}

// Fallbacks returns the names flagged as fallback agents. When none are
// flagged the first registered name is returned, so the result is never empty.
func (r *Registry) Fallbacks() []string {
	var out []string
	for _, name := range r.order {
		if r.factories[name].Descriptor.Fallback {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		out = []string{r.order[0]}
	}
	return out
}

// Get returns the cached instance for name, creating it on first use.
// A failed construction is not cached.
func (r *Registry) Get(name string) (Agent, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.instances[name]; ok {
		return a, nil
	}
	a, err := f.New()
	if err != nil {
		return nil, fmt.Errorf("agent: create %q: %w", name, err)
	}
	r.instances[name] = a
	return a, nil
}

// Preload instantiates every registered agent and returns all construction
// errors joined.
func (r *Registry) Preload() error {
	var errs []error
	for _, name := range r.order {
		if _, err := r.Get(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

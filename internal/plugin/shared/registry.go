// Package shared holds the curated set of library instances that every plugin
// must use instead of bundling its own copy.
//
// The registry is populated once at host start-up and is read-mostly afterwards.
// The sandboxed Lua context reads through the same *Registry, so a name that
// resolves outside the sandbox resolves to the identical instance inside it.
package shared

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrNotExposed is returned when a name has no bound instance.
	ErrNotExposed = errors.New("shared dependency not exposed")

	// ErrInvalidDependency is returned for an empty name or a nil instance.
	ErrInvalidDependency = errors.New("invalid shared dependency")
)

// LuaExporter is implemented by instances that publish functions to Lua.
// The functions become reachable through the userdata that require() returns.
type LuaExporter interface {
	LuaExports() map[string]lua.LGFunction
}

// Registry binds stable names to shared instances. Re-exposing a name
// replaces the previous binding. There is no removal.
type Registry struct {
	mu   sync.RWMutex
	deps map[string]any
	log  logrus.FieldLogger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report overwritten bindings.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		deps: make(map[string]any),
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Expose binds name to instance, overwriting any prior binding.
func (r *Registry) Expose(name string, instance any) error {
	if name == "" || instance == nil {
		return fmt.Errorf("%w: name=%q", ErrInvalidDependency, name)
	}

	r.mu.Lock()
	_, replaced := r.deps[name]
	r.deps[name] = instance
	r.mu.Unlock()

	if replaced {
		r.log.WithField("dependency", name).Debug("shared dependency rebound")
	}
	return nil
}

// Resolve returns the instance bound to name.
func (r *Registry) Resolve(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.deps[name]
	return v, ok
}

// Lookup is Resolve with an error for unbound names.
func (r *Registry) Lookup(name string) (any, error) {
	v, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExposed, name)
	}
	return v, nil
}

// Names returns all exposed names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.deps))
	for name := range r.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of exposed names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deps)
}

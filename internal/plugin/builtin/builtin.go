// Package builtin holds plugins compiled into the host. A built-in plugin is
// found by its module path and never goes through the cache or the sandbox.
package builtin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/plugload/internal/plugin/module"
)

// ErrNotBuiltin is returned by Load when no entry is registered for a path.
var ErrNotBuiltin = errors.New("not a built-in plugin")

// ProducerFunc lazily produces the exports of a built-in plugin.
type ProducerFunc func(ctx context.Context) (module.Exports, error)

// Entry is either a ready exports value or a producer. Use Value or Producer
// to construct one.
type Entry struct {
	exports  module.Exports
	producer ProducerFunc
}

// Value returns an entry whose exports are returned as is on every load.
func Value(exports module.Exports) Entry {
	if exports == nil {
		exports = module.Exports{}
	}
	return Entry{exports: exports}
}

// Producer returns an entry that invokes fn on every load.
func Producer(fn ProducerFunc) Entry {
	return Entry{producer: fn}
}

// IsProducer reports whether the entry is lazily produced.
func (e Entry) IsProducer() bool {
	return e.producer != nil
}

// Resolve returns the entry's exports, invoking the producer if there is one.
func (e Entry) Resolve(ctx context.Context) (module.Exports, error) {
	if e.producer != nil {
		exports, err := e.producer(ctx)
		if err != nil {
			return nil, err
		}
		if exports == nil {
			exports = module.Exports{}
		}
		return exports, nil
	}
	return e.exports, nil
}

// Registry maps module paths to built-in entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register binds path to entry, replacing any previous entry.
func (r *Registry) Register(path string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(path)] = entry
}

// Lookup returns the entry registered for path.
func (r *Registry) Lookup(path string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(path)]
	return e, ok
}

// Load resolves the entry registered for path. It returns ErrNotBuiltin when
// there is none.
func (r *Registry) Load(ctx context.Context, path string) (module.Exports, error) {
	e, ok := r.Lookup(path)
	if !ok {
		return nil, ErrNotBuiltin
	}
	return e.Resolve(ctx)
}

// Paths returns the registered paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// normalize strips a leading "public/" and "/" so that the same plugin is
// found whether its module path is given relative to the host root or not.
func normalize(path string) string {
	path = strings.TrimPrefix(path, "/")
	return strings.TrimPrefix(path, "public/")
}

// Package module defines the raw result of executing a plugin's entry module.
package module

import (
	"io"
	"sort"
)

// Exports maps export names to the values a plugin module produced.
//
// Values coming from Go built-ins are whatever the built-in put there. Values
// coming from Lua are converted: functions become callables, userdata becomes
// the wrapped Go value, tables become map[string]any or []any.
type Exports map[string]any

// Has reports whether the export is present and non-nil.
func (e Exports) Has(name string) bool {
	v, ok := e[name]
	return ok && v != nil
}

// Names returns the export names in sorted order.
func (e Exports) Names() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loaded is an executed module together with the runtime that backs it.
// Exports may reference functions that live in that runtime, so the runtime
// stays open until Close is called.
type Loaded struct {
	Exports Exports

	runtime io.Closer
}

// New wraps exports that have no backing runtime (e.g. Go built-ins).
func New(exports Exports) *Loaded {
	if exports == nil {
		exports = Exports{}
	}
	return &Loaded{Exports: exports}
}

// WithRuntime wraps exports owned by the given runtime.
func WithRuntime(exports Exports, runtime io.Closer) *Loaded {
	l := New(exports)
	l.runtime = runtime
	return l
}

// Runtime returns the backing runtime, or nil.
func (l *Loaded) Runtime() io.Closer {
	return l.runtime
}

// Close releases the backing runtime, if any.
func (l *Loaded) Close() error {
	if l == nil || l.runtime == nil {
		return nil
	}
	rt := l.runtime
	l.runtime = nil
	return rt.Close()
}

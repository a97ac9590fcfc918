// Package dedupe collapses concurrent identical plugin module loads into one.
//
// The core loader never deduplicates: two concurrent loads of the same plugin
// produce two independent modules. Callers that want a single load in flight
// per (plugin, module, version) wrap the loader with this package.
//
// Callers that join an in-flight load share its exports and runtime. Each
// caller gets its own *module.Loaded and must Close it; the runtime is
// released when the last of them is closed.
package dedupe

import (
	"context"
	"strings"
	"sync"

	"github.com/dshills/plugload/internal/plugin"
	"github.com/dshills/plugload/internal/plugin/module"
)

// Importer is the operation being deduplicated.
type Importer interface {
	ImportPluginModule(ctx context.Context, desc plugin.Descriptor) (*module.Loaded, error)
}

// flight is one load in progress. callers only grows while the flight is
// registered in Loader.flights, so it is final once done is closed.
type flight struct {
	done    chan struct{}
	callers int

	loaded *module.Loaded
	err    error

	mu   sync.Mutex
	refs int
}

// release drops one caller's reference and closes the shared module when
// none remain.
func (f *flight) release() error {
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if last && f.loaded != nil {
		return f.loaded.Close()
	}
	return nil
}

type releaser struct{ f *flight }

func (r releaser) Close() error { return r.f.release() }

// Loader wraps an Importer so identical concurrent loads run once.
type Loader struct {
	next Importer

	mu      sync.Mutex
	flights map[string]*flight
}

// New wraps next.
func New(next Importer) *Loader {
	return &Loader{next: next, flights: make(map[string]*flight)}
}

// Key returns the deduplication key of a descriptor.
func Key(desc plugin.Descriptor) string {
	return desc.ID + "\x00" + desc.Module + "\x00" + desc.Version
}

// ImportPluginModule loads desc, joining an identical load already in
// flight. shared reports whether the result was delivered to more than one
// caller.
//
// The load itself ignores cancellation of ctx so that joined callers are not
// affected; a caller whose ctx ends stops waiting and gets ctx.Err().
func (l *Loader) ImportPluginModule(ctx context.Context, desc plugin.Descriptor) (loaded *module.Loaded, shared bool, err error) {
	key := Key(desc)

	l.mu.Lock()
	f, joined := l.flights[key]
	if joined {
		f.callers++
	} else {
		f = &flight{done: make(chan struct{}), callers: 1}
		l.flights[key] = f
	}
	l.mu.Unlock()

	if !joined {
		l.run(ctx, key, f, desc)
		return f.result()
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		go func() {
			<-f.done
			_ = f.release()
		}()
		return nil, true, ctx.Err()
	}
	return f.result()
}

func (l *Loader) run(ctx context.Context, key string, f *flight, desc plugin.Descriptor) {
	loaded, err := l.next.ImportPluginModule(context.WithoutCancel(ctx), desc)

	l.mu.Lock()
	if l.flights[key] == f {
		delete(l.flights, key)
	}
	f.loaded, f.err = loaded, err
	f.refs = f.callers
	l.mu.Unlock()

	close(f.done)
}

func (f *flight) result() (*module.Loaded, bool, error) {
	shared := f.callers > 1
	if f.err != nil {
		return nil, shared, f.err
	}
	if !shared {
		return f.loaded, false, nil
	}
	return module.WithRuntime(f.loaded.Exports, releaser{f}), true, nil
}

// Forget makes the next load of plugin id start afresh even if one is in
// flight. Callers already waiting still get the in-flight result.
func (l *Loader) Forget(id string) {
	prefix := id + "\x00"

	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.flights {
		if strings.HasPrefix(key, prefix) {
			delete(l.flights, key)
		}
	}
}

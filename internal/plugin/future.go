package plugin

import (
	"context"

	"github.com/dshills/plugload/internal/plugin/module"
)

// Future is a plugin module import running in the background.
type Future struct {
	done   chan struct{}
	loaded *module.Loaded
	err    error
}

// ImportAsync starts ImportPluginModule in a new goroutine.
func (l *Loader) ImportAsync(ctx context.Context, desc Descriptor) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.loaded, f.err = l.ImportPluginModule(ctx, desc)
	}()
	return f
}

// Done is closed when the import has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the import finishes or ctx is done. Giving up on a
// future does not stop the import.
func (f *Future) Wait(ctx context.Context) (*module.Loaded, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.loaded, f.err
	}
}

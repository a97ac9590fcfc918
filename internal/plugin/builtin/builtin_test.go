package builtin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugload/internal/plugin/module"
)

func TestValueEntry(t *testing.T) {
	r := NewRegistry()
	exports := module.Exports{"plugin": "grafana"}
	r.Register("plugins/grafana/module", Value(exports))

	e, ok := r.Lookup("plugins/grafana/module")
	require.True(t, ok)
	assert.False(t, e.IsProducer())

	got, err := r.Load(context.Background(), "plugins/grafana/module")
	require.NoError(t, err)
	assert.Equal(t, exports, got)
}

func TestValueEntryNilExports(t *testing.T) {
	got, err := Value(nil).Resolve(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestProducerInvokedOncePerLoad(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	r.Register("plugins/lazy/module", Producer(func(context.Context) (module.Exports, error) {
		n := calls.Add(1)
		return module.Exports{"call": n}, nil
	}))

	for i := 1; i <= 3; i++ {
		got, err := r.Load(context.Background(), "plugins/lazy/module")
		require.NoError(t, err)
		assert.Equal(t, int32(i), got["call"])
		assert.Equal(t, int32(i), calls.Load())
	}
}

func TestProducerError(t *testing.T) {
	want := errors.New("chunk failed")
	r := NewRegistry()
	r.Register("plugins/broken/module", Producer(func(context.Context) (module.Exports, error) {
		return nil, want
	}))

	_, err := r.Load(context.Background(), "plugins/broken/module")
	assert.ErrorIs(t, err, want)
}

func TestLoadUnknown(t *testing.T) {
	_, err := NewRegistry().Load(context.Background(), "plugins/none/module")
	assert.ErrorIs(t, err, ErrNotBuiltin)
}

func TestPathNormalization(t *testing.T) {
	r := NewRegistry()
	r.Register("public/plugins/a/module", Value(module.Exports{}))

	_, ok := r.Lookup("/public/plugins/a/module")
	assert.True(t, ok)
	_, ok = r.Lookup("plugins/a/module")
	assert.True(t, ok)
	assert.Equal(t, []string{"plugins/a/module"}, r.Paths())
}

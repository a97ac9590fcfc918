package shared

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lib struct{ name string }

func TestExposeResolve(t *testing.T) {
	r := NewRegistry()
	inst := &lib{name: "lodash"}

	require.NoError(t, r.Expose("lodash", inst))

	got, ok := r.Resolve("lodash")
	require.True(t, ok)
	assert.Same(t, inst, got)
}

func TestResolveMissing(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Resolve("react")
	assert.False(t, ok)

	_, err := r.Lookup("react")
	assert.ErrorIs(t, err, ErrNotExposed)
}

func TestExposeOverwrites(t *testing.T) {
	r := NewRegistry()
	first := &lib{name: "v1"}
	second := &lib{name: "v2"}

	require.NoError(t, r.Expose("redux", first))
	require.NoError(t, r.Expose("redux", second))

	got, ok := r.Resolve("redux")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestExposeRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Expose("", &lib{}), ErrInvalidDependency)
	assert.ErrorIs(t, r.Expose("x", nil), ErrInvalidDependency)
	assert.Zero(t, r.Len())
}

func TestAliasSharesInstance(t *testing.T) {
	r := NewRegistry()
	sdk := &lib{name: "sdk"}

	require.NoError(t, r.Expose("@plugload/data", sdk))
	require.NoError(t, r.Expose("@plugload/ui", sdk))

	a, _ := r.Resolve("@plugload/data")
	b, _ := r.Resolve("@plugload/ui")
	assert.Same(t, a, b)
	assert.Equal(t, []string{"@plugload/data", "@plugload/ui"}, r.Names())
}

func TestConcurrentResolve(t *testing.T) {
	r := NewRegistry()
	inst := &lib{name: "rxjs"}
	require.NoError(t, r.Expose("rxjs", inst))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := r.Resolve("rxjs")
			assert.True(t, ok)
			assert.Same(t, inst, got)
		}()
	}
	wg.Wait()
}

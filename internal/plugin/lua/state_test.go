package lua

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T, opts ...StateOption) *State {
	t.Helper()
	s, err := NewState(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStateDefaults(t *testing.T) {
	s := newTestState(t)

	assert.Equal(t, ModeSandboxed, s.Mode())
	assert.False(t, s.IsClosed())
	assert.NotNil(t, s.LuaState())
	assert.NotNil(t, s.Bridge())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "sandboxed", ModeSandboxed.String())
	assert.Equal(t, "trusted", ModeTrusted.String())
	assert.Equal(t, "unknown", Mode(9).String())
}

func TestRunReturnsExports(t *testing.T) {
	s := newTestState(t)

	exports, err := s.Run(context.Background(), "module.lua", []byte(`return { answer = 42, name = "ds", ratio = 0.5 }`))
	require.NoError(t, err)

	assert.Equal(t, int64(42), exports["answer"])
	assert.Equal(t, "ds", exports["name"])
	assert.Equal(t, 0.5, exports["ratio"])
}

func TestRunNilReturnIsEmpty(t *testing.T) {
	s := newTestState(t)

	exports, err := s.Run(context.Background(), "module.lua", []byte(`local x = 1`))
	require.NoError(t, err)
	assert.Empty(t, exports)
}

func TestRunRejectsNonTable(t *testing.T) {
	s := newTestState(t)

	_, err := s.Run(context.Background(), "module.lua", []byte(`return 5`))
	assert.ErrorIs(t, err, ErrNotExportsTable)
}

func TestRunCompileError(t *testing.T) {
	s := newTestState(t)

	_, err := s.Run(context.Background(), "broken.lua", []byte(`return {`))
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "broken.lua", cerr.Chunk)
}

func TestRunRuntimeError(t *testing.T) {
	s := newTestState(t)

	_, err := s.Run(context.Background(), "module.lua", []byte(`error("boom")`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunCancelled(t *testing.T) {
	s := newTestState(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, "loop.lua", []byte(`while true do end`))
	assert.Error(t, err)
}

func TestCloseInterruptsRunningCode(t *testing.T) {
	s, err := NewState()
	require.NoError(t, err)

	exports, err := s.Run(context.Background(), "m.lua", []byte(`
		return { spin = function() while true do end end }`))
	require.NoError(t, err)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := exports["spin"].(*Function).Call(context.Background())
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on running Lua code")
	}
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call was not interrupted")
	}
	assert.True(t, s.IsClosed())
}

func TestRunAfterClose(t *testing.T) {
	s, err := NewState()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Run(context.Background(), "module.lua", []byte(`return {}`))
	assert.ErrorIs(t, err, ErrStateClosed)
	assert.True(t, s.IsClosed())
}

func TestOwner(t *testing.T) {
	s := newTestState(t)

	err := s.Do(context.Background(), func(L *lua.LState) error {
		owner, ok := Owner(L)
		assert.True(t, ok)
		assert.Same(t, s, owner)
		return nil
	})
	require.NoError(t, err)
}

func TestOwnerUnknownState(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	_, ok := Owner(L)
	assert.False(t, ok)
}

func TestDoReentrant(t *testing.T) {
	s := newTestState(t)

	var inner bool
	err := s.Do(context.Background(), func(L *lua.LState) error {
		return s.Do(L.Context(), func(*lua.LState) error {
			inner = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, inner)
}

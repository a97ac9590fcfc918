package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// Function is a Lua function exported from a plugin module. It can be called
// from any goroutine; the call runs on the owning state's executor.
type Function struct {
	state *State
	fn    *lua.LFunction
}

// Call invokes the function with Go arguments and returns Go results.
func (f *Function) Call(ctx context.Context, args ...any) ([]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var results []any
	err := f.state.Do(ctx, func(L *lua.LState) error {
		var err error
		results, err = f.state.bridge.CallFunc(f.fn, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// State returns the state the function lives in.
func (f *Function) State() *State {
	return f.state
}

// LFunction returns the underlying Lua function.
func (f *Function) LFunction() *lua.LFunction {
	return f.fn
}
